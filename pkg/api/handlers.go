package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm-streams/pkg/attest"
	"github.com/Mindburn-Labs/helm-streams/pkg/registry"
	"github.com/Mindburn-Labs/helm-streams/pkg/settlement"
	"github.com/Mindburn-Labs/helm-streams/pkg/util/resiliency"
	"github.com/Mindburn-Labs/helm-streams/pkg/vault"
)

type claimBody struct {
	StreamID          string `json:"streamId"`
	ClaimedAmountSats int64  `json:"claimedAmountSats"`
	Timestamp         int64  `json:"timestamp"`
	WalletAddress     string `json:"walletAddress"`
	WalletSignature   string `json:"walletSignature"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if !s.decode(w, r, "claim", &body) {
		return
	}
	res, err := s.settlement.Claim(r.Context(), settlement.ClaimRequest{
		StreamID:          body.StreamID,
		ClaimedAmountSats: body.ClaimedAmountSats,
		Timestamp:         body.Timestamp,
		WalletAddress:     body.WalletAddress,
		WalletSignature:   body.WalletSignature,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createBody struct {
	TotalAmountBTC   json.Number `json:"totalAmountBtc"`
	RateSatsPerSec   int64       `json:"rateSatsPerSec"`
	StartUnix        int64       `json:"startUnix"`
	CliffUnix        int64       `json:"cliffUnix"`
	Beneficiary      string      `json:"beneficiary"`
	RevocationPubkey string      `json:"revocationPubkey"`
	Policy           string      `json:"policy"`
	WalletAddress    string      `json:"walletAddress"`
	WalletSignature  string      `json:"walletSignature"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if !s.decode(w, r, "create", &body) {
		return
	}
	res, err := s.settlement.CreateStream(r.Context(), settlement.CreateRequest{
		TotalAmountBTC:   body.TotalAmountBTC,
		RateSatsPerSec:   body.RateSatsPerSec,
		StartUnix:        body.StartUnix,
		CliffUnix:        body.CliffUnix,
		Beneficiary:      body.Beneficiary,
		RevocationPubkey: body.RevocationPubkey,
		Policy:           body.Policy,
		WalletAddress:    body.WalletAddress,
		WalletSignature:  body.WalletSignature,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type verifyBody struct {
	StreamID          string       `json:"streamId"`
	Proof             attest.Proof `json:"proof"`
	ClaimedAmountSats int64        `json:"claimedAmountSats"`
	Timestamp         int64        `json:"timestamp"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if !s.decode(w, r, "verify", &body) {
		return
	}
	v, err := s.settlement.VerifyProof(r.Context(), settlement.VerifyRequest{
		StreamID:          body.StreamID,
		Proof:             body.Proof,
		ClaimedAmountSats: body.ClaimedAmountSats,
		Timestamp:         body.Timestamp,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	stream, err := s.settlement.Stream(r.Context(), body.StreamID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verification": v, "stream": stream})
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.settlement.Streams(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	stream, err := s.settlement.Stream(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

type charmResponse struct {
	*registry.Metadata
	Via resiliency.Via `json:"via"`
}

func (s *Server) handleCharm(w http.ResponseWriter, r *http.Request) {
	md, via, err := s.charms.Query(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if md == nil {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "Stream not found")
		return
	}
	writeJSON(w, http.StatusOK, charmResponse{Metadata: md, Via: via})
}

type healthChecks struct {
	Database string  `json:"database"`
	Uptime   float64 `json:"uptime"`
}

type healthStatus struct {
	Status    string       `json:"status"`
	Timestamp int64        `json:"timestamp"`
	Checks    healthChecks `json:"checks"`
	Error     string       `json:"error,omitempty"`
}

func (s *Server) pingDB(r *http.Request) error {
	if s.db == nil {
		return nil
	}
	return s.db.Ping(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthStatus{
		Status:    "healthy",
		Timestamp: s.now().UnixMilli(),
		Checks:    healthChecks{Database: "ok", Uptime: s.now().Sub(s.started).Seconds()},
	}
	status := http.StatusOK
	if err := s.pingDB(r); err != nil {
		resp.Status, resp.Checks.Database, resp.Error = "unhealthy", "error", err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type readyServices struct {
	Database    bool `json:"database"`
	Application bool `json:"application"`
}

type readyStatus struct {
	Ready     bool          `json:"ready"`
	Timestamp int64         `json:"timestamp"`
	Services  readyServices `json:"services"`
	Error     string        `json:"error,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyStatus{Timestamp: s.now().UnixMilli(), Services: readyServices{Application: true}}
	status := http.StatusOK
	if err := s.pingDB(r); err != nil {
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Services.Database = true
	}
	resp.Ready = resp.Services.Database && resp.Services.Application
	writeJSON(w, status, resp)
}

type depositBody struct {
	AmountSats  int64  `json:"amountSats"`
	Beneficiary string `json:"beneficiary"`
	Policy      string `json:"policy"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body depositBody
	if !s.decode(w, r, "deposit", &body) {
		return
	}
	if body.Policy == "" {
		body.Policy = settlement.DefaultPolicy
	}
	d, via, err := s.vaults.Deposit(r.Context(), body.AmountSats, body.Beneficiary, body.Policy)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vault": d, "via": via})
}

func (s *Server) handleScrollsConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.vaults.FetchConfig(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := scrollsConfigResponse{Config: cfg}
	q := r.URL.Query()
	if q.Has("inputs") || q.Has("totalSats") {
		inputs, err1 := strconv.Atoi(q.Get("inputs"))
		total, err2 := strconv.ParseInt(q.Get("totalSats"), 10, 64)
		if err1 != nil || err2 != nil || inputs < 0 || total < 0 {
			WriteErrorR(w, r, http.StatusBadRequest, "Invalid payload", "inputs and totalSats must be non-negative integers")
			return
		}
		fee := vault.Fee(cfg, inputs, total)
		resp.FeeSats = &fee
	}
	writeJSON(w, http.StatusOK, resp)
}

// scrollsConfigResponse carries the Scrolls config and, when inputs and
// totalSats are given, the fee for spending them.
type scrollsConfigResponse struct {
	vault.Config
	FeeSats *int64 `json:"fee_sats,omitempty"`
}

type signBody struct {
	Network vault.Network `json:"network"`
	vault.SignRequest
}

func (s *Server) handleScrollsSign(w http.ResponseWriter, r *http.Request) {
	var body signBody
	if !s.decode(w, r, "sign", &body) {
		return
	}
	res, err := s.vaults.Sign(r.Context(), body.Network, body.SignRequest)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

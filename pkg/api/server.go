package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/helm-streams/pkg/attest"
	"github.com/Mindburn-Labs/helm-streams/pkg/registry"
	"github.com/Mindburn-Labs/helm-streams/pkg/settlement"
	"github.com/Mindburn-Labs/helm-streams/pkg/util/resiliency"
	"github.com/Mindburn-Labs/helm-streams/pkg/vault"
	"github.com/Mindburn-Labs/helm-streams/pkg/walletsig"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Settlement is the claim pipeline as the API sees it.
type Settlement interface {
	Claim(ctx context.Context, req settlement.ClaimRequest) (*settlement.ClaimResult, error)
	CreateStream(ctx context.Context, req settlement.CreateRequest) (*settlement.CreateResult, error)
	VerifyProof(ctx context.Context, req settlement.VerifyRequest) (attest.Verification, error)
	Streams(ctx context.Context) ([]settlement.StreamView, error)
	Stream(ctx context.Context, id string) (settlement.StreamView, error)
}

// Vaults exposes custody operations.
type Vaults interface {
	Deposit(ctx context.Context, amountSats int64, beneficiary, policy string) (vault.Deposit, resiliency.Via, error)
	Sign(ctx context.Context, network vault.Network, req vault.SignRequest) (vault.SignResult, error)
	FetchConfig(ctx context.Context) (vault.Config, error)
}

// Charms reads stream metadata from the charm registry.
type Charms interface {
	Query(ctx context.Context, streamID string) (*registry.Metadata, resiliency.Via, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes the settlement API.
type Server struct {
	settlement Settlement
	vaults     Vaults
	charms     Charms
	db         Pinger
	schemas    requestSchemas
	logger     *slog.Logger
	started    time.Time
	now        func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithCharms mounts the charm metadata route backed by c.
func WithCharms(c Charms) Option {
	return func(s *Server) { s.charms = c }
}

// NewServer compiles request schemas and returns a Server. vaults may be nil,
// in which case the custody routes are not mounted.
func NewServer(s Settlement, vaults Vaults, db Pinger, logger *slog.Logger, opts ...Option) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	srv := &Server{
		settlement: s,
		vaults:     vaults,
		db:         db,
		schemas:    schemas,
		logger:     logger,
		started:    time.Now(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv, nil
}

// Routes returns the API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/claimStream", s.handleClaim)
	mux.HandleFunc("POST /api/createStream", s.handleCreate)
	mux.HandleFunc("POST /api/verifyProof", s.handleVerify)
	mux.HandleFunc("GET /api/streams", s.handleStreams)
	mux.HandleFunc("GET /api/streams/{id}", s.handleStream)
	if s.charms != nil {
		mux.HandleFunc("GET /api/streams/{id}/charm", s.handleCharm)
	}
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	if s.vaults != nil {
		mux.HandleFunc("POST /api/vaults/deposit", s.handleDeposit)
		mux.HandleFunc("GET /api/scrolls/config", s.handleScrollsConfig)
		mux.HandleFunc("POST /api/scrolls/sign", s.handleScrollsSign)
	}
	return mux
}

// Handler wraps Routes with the standard middleware chain. Extra middleware
// runs after request ids are assigned, in the order given.
func (s *Server) Handler(extra ...func(http.Handler) http.Handler) http.Handler {
	var h http.Handler = s.Routes()
	for i := len(extra) - 1; i >= 0; i-- {
		h = extra[i](h)
	}
	h = LoggingMiddleware(s.logger)(h)
	h = RecoverMiddleware(h)
	return RequestIDMiddleware(h)
}

// decode reads, validates and unmarshals a request body. It writes the
// error response itself and reports whether decoding succeeded.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "request body exceeds 1MB")
			return false
		}
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "failed to read request body")
		return false
	}
	if err := s.schemas.validate(schema, raw); err != nil {
		p := newProblem(http.StatusBadRequest, "Invalid payload", "request body failed validation")
		var ve *validationError
		if errors.As(err, &ve) {
			p.Errors = ve.problems
		}
		WriteProblem(w, r, p)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid payload", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func i64(v int64) *int64 { return &v }

// writeFailure maps pipeline errors to problem responses.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rej *settlement.RejectionError
		ext *resiliency.ExternalServiceError
	)
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "Stream not found")
	case errors.Is(err, walletsig.ErrFormat):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Signature Format", err.Error())
	case errors.As(err, &rej):
		p := newProblem(http.StatusBadRequest, "Nothing Vested", "Nothing vested")
		p.Reason = string(rej.Reason)
		switch rej.Reason {
		case settlement.ReasonUnauthorized:
			p = newProblem(http.StatusUnauthorized, "Unauthorized", "Wallet signature invalid or missing")
			p.Reason = string(rej.Reason)
		case settlement.ReasonProofInvalid:
			p = newProblem(http.StatusUnprocessableEntity, "Proof Invalid", "Vesting proof failed verification")
			p.Reason = string(rej.Reason)
			p.Digest = rej.Digest
		}
		if rej.StreamID != "" {
			p.Vested, p.Streamed, p.Requested = i64(rej.Vested), i64(rej.Streamed), i64(rej.Requested)
		}
		WriteProblem(w, r, p)
	case errors.Is(err, settlement.ErrInvalidRequest):
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid payload", err.Error())
	case errors.Is(err, settlement.ErrStreamRevoked):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", "Stream has been revoked")
	case errors.As(err, &ext):
		s.logger.WarnContext(r.Context(), "upstream failure", "service", ext.Service, "status", ext.Status, "error", ext.Message)
		WriteErrorR(w, r, http.StatusBadGateway, "External service error", fmt.Sprintf("%s unavailable", ext.Service))
	case errors.Is(err, context.DeadlineExceeded):
		WriteErrorR(w, r, http.StatusGatewayTimeout, "Gateway Timeout", "operation timed out")
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
	}
}

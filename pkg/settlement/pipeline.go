// Package settlement runs claims against vesting streams.
//
// A claim moves Received -> Authorized -> Attested -> Verified -> Committed,
// or ends Rejected at any gate. Everything from loading the stream to
// committing the new amount runs under the stream's lock, so two claims on
// one stream never settle against the same stale commitment. Nothing durable
// changes before the commit step, which makes an abandoned claim inert.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-streams/pkg/attest"
	"github.com/Mindburn-Labs/helm-streams/pkg/observability"
	"github.com/Mindburn-Labs/helm-streams/pkg/registry"
	"github.com/Mindburn-Labs/helm-streams/pkg/store"
	"github.com/Mindburn-Labs/helm-streams/pkg/util/resiliency"
	"github.com/Mindburn-Labs/helm-streams/pkg/vault"
	"github.com/Mindburn-Labs/helm-streams/pkg/vesting"
	"github.com/Mindburn-Labs/helm-streams/pkg/walletsig"
)

const (
	// FallbackWallet is the caller identity when neither the request nor the
	// environment names one.
	FallbackWallet = "demo-fallback-address"
	// MockVaultID is released against when a stream has no vault.
	MockVaultID = "mock"
)

// Authenticator verifies wallet message signatures.
type Authenticator interface {
	Verify(message, address, signature string, require bool) (bool, error)
}

// Attestor generates and verifies vesting proofs.
type Attestor interface {
	Generate(ctx context.Context, streamID string, amountSats, timestamp int64) (attest.Proof, resiliency.Via, error)
	Verify(ctx context.Context, proof attest.Proof, streamID string, amountSats, timestamp int64) (attest.Verification, error)
}

// Registry mints streams and records commitments.
type Registry interface {
	Mint(ctx context.Context, p registry.MintParams) (registry.Metadata, resiliency.Via, error)
	Update(ctx context.Context, streamID string, commitment int64, status store.Status) (resiliency.Via, error)
}

// Custody derives vault addresses and releases funds.
type Custody interface {
	Address(ctx context.Context, network vault.Network, nonce uint64) (string, resiliency.Via, error)
	SimulateRelease(ctx context.Context, vaultID string, amountSats int64) (vault.Release, error)
}

// Options tune a Pipeline.
type Options struct {
	RequireWalletSig  bool
	DemoWalletAddress string
	Network           vault.Network
	Logger            *slog.Logger
	Telemetry         *observability.Provider
	Clock             func() time.Time
}

// Pipeline settles claims and creates streams.
type Pipeline struct {
	store     store.Store
	auth      Authenticator
	attestor  Attestor
	registry  Registry
	custody   Custody
	opts      Options
	logger    *slog.Logger
	telemetry *observability.Provider
	now       func() time.Time
}

func New(st store.Store, auth Authenticator, at Attestor, reg Registry, custody Custody, opts Options) *Pipeline {
	p := &Pipeline{
		store:     st,
		auth:      auth,
		attestor:  at,
		registry:  reg,
		custody:   custody,
		opts:      opts,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
		now:       opts.Clock,
	}
	if p.logger == nil {
		p.logger = slog.Default().With("component", "settlement")
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.opts.Network == "" {
		p.opts.Network = vault.NetworkTestnet4
	}
	return p
}

// ClaimRequest asks to withdraw up to ClaimedAmountSats from a stream.
// A zero Timestamp means now.
type ClaimRequest struct {
	StreamID          string
	ClaimedAmountSats int64
	Timestamp         int64
	WalletAddress     string
	WalletSignature   string
}

// ClaimResult is the outcome of a committed claim.
type ClaimResult struct {
	ClaimID                string              `json:"claimId"`
	StreamID               string              `json:"streamId"`
	ClaimedAmountSats      int64               `json:"claimedAmountSats"`
	StreamedCommitmentSats int64               `json:"streamedCommitmentSats"`
	Vested                 int64               `json:"vested"`
	Status                 store.Status        `json:"status"`
	Release                vault.Release       `json:"release"`
	Verification           attest.Verification `json:"verification"`
	ProofVia               resiliency.Via      `json:"proofVia"`
	RegistryVia            resiliency.Via      `json:"registryVia"`
	WalletAddress          string              `json:"walletAddress"`
	SignatureVerified      bool                `json:"signatureVerified"`
	Warning                string              `json:"warning,omitempty"`
}

func (p *Pipeline) wallet(addr string) string {
	switch {
	case addr != "":
		return addr
	case p.opts.DemoWalletAddress != "":
		return p.opts.DemoWalletAddress
	}
	return FallbackWallet
}

// Claim settles req. Rejections are returned as *RejectionError; an unknown
// stream as ErrNotFound. Remote failures surface only when their fallback is
// disabled, and store failures always surface.
func (p *Pipeline) Claim(ctx context.Context, req ClaimRequest) (res *ClaimResult, err error) {
	ctx, finish := p.telemetry.TrackOperation(ctx, "settlement.claim",
		observability.ClaimOperation(req.StreamID, req.ClaimedAmountSats)...)
	defer func() { finish(err) }()

	if req.StreamID == "" || req.ClaimedAmountSats <= 0 {
		return nil, fmt.Errorf("%w: stream id and a positive amount are required", ErrInvalidRequest)
	}
	wallet := p.wallet(req.WalletAddress)
	ts := req.Timestamp
	if ts == 0 {
		ts = p.now().Unix()
	}
	logger := p.logger.With("stream_id", req.StreamID, "requested", req.ClaimedAmountSats, "timestamp", ts)

	unlock, err := p.store.Lock(ctx, req.StreamID)
	if err != nil {
		return nil, fmt.Errorf("lock stream: %w", err)
	}
	defer unlock()

	// Received
	st, err := p.store.GetStream(ctx, req.StreamID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.StreamID)
	}
	if err != nil {
		return nil, fmt.Errorf("load stream: %w", err)
	}
	if st.Status == store.StatusRevoked {
		return nil, fmt.Errorf("%w: %s", ErrStreamRevoked, st.ID)
	}

	sched := st.Schedule()
	vested := sched.Vested(ts)
	accepted := vesting.Accept(sched, req.ClaimedAmountSats, ts)
	if accepted <= 0 {
		logger.Info("claim rejected", "reason", ReasonNothingVested, "vested", vested, "streamed", st.StreamedCommitmentSats)
		return nil, &RejectionError{
			Reason:    ReasonNothingVested,
			StreamID:  st.ID,
			Vested:    vested,
			Streamed:  st.StreamedCommitmentSats,
			Requested: req.ClaimedAmountSats,
		}
	}

	// Authorized
	msg := walletsig.ClaimMessage(wallet, st.ID, req.ClaimedAmountSats, ts)
	verified, err := p.auth.Verify(msg, wallet, req.WalletSignature, p.opts.RequireWalletSig)
	if err != nil {
		logger.Info("claim rejected", "reason", ReasonUnauthorized, "error", err)
		return nil, &RejectionError{
			Reason:    ReasonUnauthorized,
			StreamID:  st.ID,
			Vested:    vested,
			Streamed:  st.StreamedCommitmentSats,
			Requested: req.ClaimedAmountSats,
			Err:       err,
		}
	}
	var warning string
	if !verified {
		warning = "wallet signature not verified"
		logger.Warn("proceeding without a verified wallet signature", "wallet", wallet)
	}
	observability.AddSpanEvent(ctx, "authorized", attribute.Bool("signature_verified", verified))

	// Attested
	proof, proofVia, err := p.attestor.Generate(ctx, st.ID, accepted, ts)
	if err != nil {
		return nil, fmt.Errorf("generate proof: %w", err)
	}
	if proofVia == resiliency.ViaMock {
		p.telemetry.RecordDegraded(ctx, "zkbtc")
	}

	// Verified
	verification, err := p.attestor.Verify(ctx, proof, st.ID, accepted, ts)
	if err != nil {
		return nil, fmt.Errorf("verify proof: %w", err)
	}
	if !verification.Valid {
		logger.Warn("claim rejected", "reason", ReasonProofInvalid, "digest", verification.Digest)
		return nil, &RejectionError{
			Reason:    ReasonProofInvalid,
			StreamID:  st.ID,
			Vested:    vested,
			Streamed:  st.StreamedCommitmentSats,
			Requested: req.ClaimedAmountSats,
			Digest:    verification.Digest,
		}
	}

	// A caller that went away before this point leaves nothing behind.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	proofJSON, err := json.Marshal(proof)
	if err != nil {
		return nil, fmt.Errorf("encode proof: %w", err)
	}

	// Committed
	commitment := min(st.StreamedCommitmentSats+accepted, st.TotalAmountSats)
	var status store.Status
	if commitment >= st.TotalAmountSats {
		status = store.StatusCompleted
	}
	registryVia, err := p.registry.Update(ctx, st.ID, commitment, status)
	if err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	if registryVia == resiliency.ViaMock {
		p.telemetry.RecordDegraded(ctx, "charms")
	}

	// The commitment is durable now; finish the bookkeeping even if the
	// caller disconnects.
	commitCtx := context.WithoutCancel(ctx)
	claimID := "claim_" + uuid.NewString()
	if err := p.store.AppendClaim(commitCtx, store.ClaimRecord{
		ID:         claimID,
		StreamID:   st.ID,
		AmountSats: accepted,
		Proof:      string(proofJSON),
		Verified:   true,
		CreatedAt:  p.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("record claim: %w", err)
	}

	vaultID := st.VaultID
	if vaultID == "" {
		vaultID = MockVaultID
	}
	release, err := p.custody.SimulateRelease(commitCtx, vaultID, accepted)
	if err != nil {
		logger.Error("vault release failed after commit", "vault_id", vaultID, "error", err)
		release = vault.Release{Released: false}
	}

	if status == "" {
		status = st.Status
	}
	p.telemetry.RecordSettlement(ctx, accepted, observability.AttrVia.String(string(verification.Via)))
	observability.ClaimCommitted(ctx, accepted, string(status))
	logger.Info("claim committed", "claim_id", claimID, "accepted", accepted, "commitment", commitment, "status", status)

	return &ClaimResult{
		ClaimID:                claimID,
		StreamID:               st.ID,
		ClaimedAmountSats:      accepted,
		StreamedCommitmentSats: commitment,
		Vested:                 vested,
		Status:                 status,
		Release:                release,
		Verification:           verification,
		ProofVia:               proofVia,
		RegistryVia:            registryVia,
		WalletAddress:          wallet,
		SignatureVerified:      verified,
		Warning:                warning,
	}, nil
}

// VerifyRequest checks a proof against a claim triple without settling.
type VerifyRequest struct {
	StreamID          string
	Proof             attest.Proof
	ClaimedAmountSats int64
	Timestamp         int64
}

// VerifyProof checks a previously generated proof. The stream must exist.
func (p *Pipeline) VerifyProof(ctx context.Context, req VerifyRequest) (v attest.Verification, err error) {
	ctx, finish := p.telemetry.TrackOperation(ctx, "settlement.verify_proof",
		observability.ClaimOperation(req.StreamID, req.ClaimedAmountSats)...)
	defer func() { finish(err) }()

	if _, err := p.store.GetStream(ctx, req.StreamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return attest.Verification{}, fmt.Errorf("%w: %s", ErrNotFound, req.StreamID)
		}
		return attest.Verification{}, fmt.Errorf("load stream: %w", err)
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = p.now().Unix()
	}
	return p.attestor.Verify(ctx, req.Proof, req.StreamID, req.ClaimedAmountSats, ts)
}

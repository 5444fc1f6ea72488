package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/Mindburn-Labs/helm-streams/pkg/registry"
	"github.com/Mindburn-Labs/helm-streams/pkg/util/resiliency"
	"github.com/Mindburn-Labs/helm-streams/pkg/vesting"
	"github.com/Mindburn-Labs/helm-streams/pkg/walletsig"
)

// DefaultPolicy is the vault policy when a request names none.
const DefaultPolicy = "standard"

// CreateRequest describes a new stream. Zero StartUnix means now and zero
// CliffUnix means StartUnix.
type CreateRequest struct {
	TotalAmountBTC   json.Number
	RateSatsPerSec   int64
	StartUnix        int64
	CliffUnix        int64
	Beneficiary      string
	RevocationPubkey string
	Policy           string
	WalletAddress    string
	WalletSignature  string
}

// CreateResult is a freshly minted stream.
type CreateResult struct {
	VaultID           string            `json:"vaultId"`
	StreamID          string            `json:"streamId"`
	CharmID           string            `json:"charmId"`
	Metadata          registry.Metadata `json:"metadata"`
	WalletAddress     string            `json:"walletAddress"`
	VaultVia          resiliency.Via    `json:"vaultVia"`
	RegistryVia       resiliency.Via    `json:"registryVia"`
	SignatureVerified bool              `json:"signatureVerified"`
	Warning           string            `json:"warning,omitempty"`
}

// CreateStream authenticates the creation request, derives a vault address
// for the stream and mints it.
func (p *Pipeline) CreateStream(ctx context.Context, req CreateRequest) (res *CreateResult, err error) {
	ctx, finish := p.telemetry.TrackOperation(ctx, "settlement.create_stream")
	defer func() { finish(err) }()

	wallet := p.wallet(req.WalletAddress)
	start := req.StartUnix
	if start == 0 {
		start = p.now().Unix()
	}
	cliff := req.CliffUnix
	if cliff == 0 {
		cliff = start
	}
	policy := req.Policy
	if policy == "" {
		policy = DefaultPolicy
	}

	msg := walletsig.CreateStreamMessage(wallet, walletsig.CreatePayload{
		TotalAmountBTC:   req.TotalAmountBTC,
		RateSatsPerSec:   req.RateSatsPerSec,
		StartUnix:        start,
		CliffUnix:        cliff,
		Beneficiary:      req.Beneficiary,
		RevocationPubkey: req.RevocationPubkey,
		Policy:           policy,
		WalletAddress:    req.WalletAddress,
	})
	verified, err := p.auth.Verify(msg, wallet, req.WalletSignature, p.opts.RequireWalletSig)
	if err != nil {
		return nil, &RejectionError{Reason: ReasonUnauthorized, Err: err}
	}
	var warning string
	if !verified {
		warning = "wallet signature not verified"
		p.logger.Warn("creating stream without a verified wallet signature", "wallet", wallet)
	}

	total, err := vesting.SatsFromBTC(req.TotalAmountBTC.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	sched := vesting.Schedule{StartUnix: start, CliffUnix: cliff, RateSatsPerSec: req.RateSatsPerSec, TotalAmountSats: total}
	if err := sched.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	nonce := uint64(p.now().Unix()) + rand.Uint64N(1_000_000)
	vaultAddr, vaultVia, err := p.custody.Address(ctx, p.opts.Network, nonce)
	if err != nil {
		return nil, fmt.Errorf("derive vault address: %w", err)
	}

	md, registryVia, err := p.registry.Mint(ctx, registry.MintParams{
		VaultID:          vaultAddr,
		Beneficiary:      req.Beneficiary,
		RevocationPubkey: req.RevocationPubkey,
		TotalAmountSats:  total,
		RateSatsPerSec:   req.RateSatsPerSec,
		StartUnix:        start,
		CliffUnix:        cliff,
	})
	if err != nil {
		return nil, fmt.Errorf("mint stream: %w", err)
	}

	p.logger.Info("stream created", "stream_id", md.StreamID, "vault_id", vaultAddr,
		"total_sats", total, "vault_via", vaultVia, "registry_via", registryVia)
	return &CreateResult{
		VaultID:           vaultAddr,
		StreamID:          md.StreamID,
		CharmID:           md.CharmID,
		Metadata:          md,
		WalletAddress:     wallet,
		VaultVia:          vaultVia,
		RegistryVia:       registryVia,
		SignatureVerified: verified,
		Warning:           warning,
	}, nil
}

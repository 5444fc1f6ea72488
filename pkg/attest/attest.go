// Package attest generates and verifies vesting proofs for claims.
//
// The remote prover is optional. When it is unreachable and fallback is
// allowed, proofs degrade to a content digest of the claim triple, which
// only proves the triple was not altered between generate and verify.
package attest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-streams/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-streams/pkg/util/resiliency"
)

// DefaultTimeout bounds a single attestation round trip. Provers are slow.
const DefaultTimeout = 60 * time.Second

// Claim is the triple a proof attests to.
type Claim struct {
	StreamID          string `json:"streamId"`
	ClaimedAmountSats int64  `json:"claimedAmountSats"`
	Timestamp         int64  `json:"timestamp"`
}

// Proof is an opaque proof plus its public signals and content digest.
type Proof struct {
	Proof         json.RawMessage `json:"proof"`
	PublicSignals json.RawMessage `json:"publicSignals"`
	Digest        string          `json:"digest"`
}

// Verification is the outcome of Verify.
type Verification struct {
	Valid  bool           `json:"valid"`
	Via    resiliency.Via `json:"via"`
	Digest string         `json:"digest"`
}

// Attestor talks to the remote prover with a local fallback.
type Attestor struct {
	client        *resiliency.EnhancedClient
	allowFallback bool
	timeout       time.Duration
	logger        *slog.Logger
}

type Option func(*Attestor)

func WithTimeout(d time.Duration) Option { return func(a *Attestor) { a.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(a *Attestor) { a.logger = l } }

// New returns an Attestor. client may be unconfigured, in which case every
// call takes the fallback path (or fails if fallback is disallowed).
func New(client *resiliency.EnhancedClient, allowFallback bool, opts ...Option) *Attestor {
	a := &Attestor{
		client:        client,
		allowFallback: allowFallback,
		timeout:       DefaultTimeout,
		logger:        slog.Default().With("component", "attest"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Attestor) policy() resiliency.Policy {
	return resiliency.Policy{Service: "zkbtc", AllowFallback: a.allowFallback, Logger: a.logger}
}

type generateRequest struct {
	StreamID   string `json:"stream_id"`
	AmountSats int64  `json:"amount_sats"`
	Timestamp  int64  `json:"timestamp"`
}

type generateResponse struct {
	Proof         json.RawMessage `json:"proof"`
	PublicSignals json.RawMessage `json:"publicSignals"`
}

type verifyRequest struct {
	StreamID      string          `json:"stream_id"`
	AmountSats    int64           `json:"amount_sats"`
	Timestamp     int64           `json:"timestamp"`
	Proof         json.RawMessage `json:"proof"`
	PublicSignals json.RawMessage `json:"publicSignals"`
}

// Generate produces a proof for the claim triple.
func (a *Attestor) Generate(ctx context.Context, streamID string, amountSats, timestamp int64) (Proof, resiliency.Via, error) {
	claim := Claim{StreamID: streamID, ClaimedAmountSats: amountSats, Timestamp: timestamp}

	var remote func(context.Context) (Proof, error)
	if a.client.Configured() {
		remote = func(ctx context.Context) (Proof, error) {
			ctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			var resp generateResponse
			err := a.client.PostJSON(ctx, "vest/generate", generateRequest{
				StreamID: streamID, AmountSats: amountSats, Timestamp: timestamp,
			}, &resp)
			if err != nil {
				return Proof{}, err
			}
			digest, err := canonicalize.CanonicalHash(resp)
			if err != nil {
				return Proof{}, fmt.Errorf("digest remote proof: %w", err)
			}
			return Proof{Proof: resp.Proof, PublicSignals: resp.PublicSignals, Digest: digest}, nil
		}
	}

	return resiliency.Call(ctx, a.policy(), remote, func(context.Context) (Proof, error) {
		return LocalProof(claim)
	})
}

// Verify checks proof against the claim triple.
func (a *Attestor) Verify(ctx context.Context, proof Proof, streamID string, amountSats, timestamp int64) (Verification, error) {
	claim := Claim{StreamID: streamID, ClaimedAmountSats: amountSats, Timestamp: timestamp}

	var remote func(context.Context) (Verification, error)
	if a.client.Configured() {
		remote = func(ctx context.Context) (Verification, error) {
			ctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			err := a.client.PostJSON(ctx, "vest/verify", verifyRequest{
				StreamID: streamID, AmountSats: amountSats, Timestamp: timestamp,
				Proof: orNull(proof.Proof), PublicSignals: orNull(proof.PublicSignals),
			}, nil)
			if err != nil {
				return Verification{}, err
			}
			return Verification{Valid: true, Via: resiliency.ViaRemote, Digest: proof.Digest}, nil
		}
	}

	v, via, err := resiliency.Call(ctx, a.policy(), remote, func(context.Context) (Verification, error) {
		return verifyLocal(proof, claim)
	})
	if err != nil {
		return Verification{}, err
	}
	v.Via = via
	return v, nil
}

// ClaimDigest is the content hash of the claim triple.
func ClaimDigest(c Claim) (string, error) {
	return canonicalize.CanonicalHash(c)
}

// LocalProof builds the fallback proof whose payload is the triple itself.
func LocalProof(c Claim) (Proof, error) {
	digest, err := ClaimDigest(c)
	if err != nil {
		return Proof{}, err
	}
	payload, err := json.Marshal(struct {
		Mock bool `json:"mock"`
		Claim
	}{Mock: true, Claim: c})
	if err != nil {
		return Proof{}, err
	}
	signals, err := json.Marshal(c)
	if err != nil {
		return Proof{}, err
	}
	return Proof{Proof: payload, PublicSignals: signals, Digest: digest}, nil
}

func verifyLocal(p Proof, c Claim) (Verification, error) {
	digest, err := ClaimDigest(c)
	if err != nil {
		return Verification{}, err
	}
	valid := subtle.ConstantTimeCompare([]byte(digest), []byte(p.Digest)) == 1
	return Verification{Valid: valid, Via: resiliency.ViaMock, Digest: digest}, nil
}

func orNull(m json.RawMessage) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage("null")
	}
	return m
}

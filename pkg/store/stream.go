package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/helm-streams/pkg/vesting"
)

var (
	// ErrNotFound is returned when a stream does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrCommitmentRegression is returned when an update would move a
	// stream's commitment backwards or past its total.
	ErrCommitmentRegression = errors.New("store: commitment must be non-decreasing and within total")
)

// Status is the lifecycle state of a stream.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusRevoked   Status = "revoked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusRevoked:
		return true
	}
	return false
}

// Stream is a linear vesting schedule and its settlement progress.
type Stream struct {
	ID                     string    `json:"id"`
	VaultID                string    `json:"vault_id,omitempty"`
	CharmID                string    `json:"charm_id,omitempty"`
	Beneficiary            string    `json:"beneficiary"`
	TotalAmountSats        int64     `json:"total_amount_sats"`
	RateSatsPerSec         int64     `json:"rate_sats_per_sec"`
	StartUnix              int64     `json:"start_unix"`
	CliffUnix              int64     `json:"cliff_unix"`
	RevocationPubkey       string    `json:"revocation_pubkey"`
	StreamedCommitmentSats int64     `json:"streamed_commitment_sats"`
	Status                 Status    `json:"status"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Schedule returns the vesting view of the stream.
func (s Stream) Schedule() vesting.Schedule {
	return vesting.Schedule{
		StartUnix:       s.StartUnix,
		CliffUnix:       s.CliffUnix,
		RateSatsPerSec:  s.RateSatsPerSec,
		TotalAmountSats: s.TotalAmountSats,
		CommitmentSats:  s.StreamedCommitmentSats,
	}
}

// ClaimRecord is an immutable entry in a stream's claim history.
type ClaimRecord struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"stream_id"`
	AmountSats int64     `json:"amount_sats"`
	Proof      string    `json:"proof"`
	Verified   bool      `json:"verified"`
	CreatedAt  time.Time `json:"created_at"`
}

// VaultRecord is a custody vault provisioned for a stream.
type VaultRecord struct {
	ID          string    `json:"id"`
	AmountSats  int64     `json:"amount_sats"`
	Beneficiary string    `json:"beneficiary"`
	Policy      string    `json:"policy"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the durable source of truth for settlement decisions.
//
// Lock serializes read-compute-commit sequences on one stream. Callers hold
// the returned unlock func for the whole sequence; streams never share a lock.
type Store interface {
	GetStream(ctx context.Context, id string) (*Stream, error)
	CreateStream(ctx context.Context, s *Stream) error
	ListStreams(ctx context.Context) ([]Stream, error)
	// UpdateCommitment sets the commitment and, when status is non-empty, the status.
	UpdateCommitment(ctx context.Context, id string, commitment int64, status Status) error
	AttachCharmID(ctx context.Context, id, charmID string) error

	AppendClaim(ctx context.Context, c ClaimRecord) error
	// ListClaims returns a stream's claims newest first.
	ListClaims(ctx context.Context, streamID string) ([]ClaimRecord, error)

	UpsertVault(ctx context.Context, v VaultRecord) error

	Lock(ctx context.Context, streamID string) (unlock func(), err error)
	Ping(ctx context.Context) error
}

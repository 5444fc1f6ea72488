// Package registry mirrors stream state into the external charm registry.
//
// The local store stays the source of truth: every registry operation
// persists locally whether the remote call succeeded or fell back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-streams/pkg/store"
	"github.com/Mindburn-Labs/helm-streams/pkg/util/resiliency"
	"github.com/Mindburn-Labs/helm-streams/pkg/vesting"
)

// PlaceholderCharmID stands in for a charm id on streams that never got one.
const PlaceholderCharmID = "mock-charm"

// Metadata is the registry view of a stream.
type Metadata struct {
	StreamID               string       `json:"stream_id"`
	CharmID                string       `json:"charm_id"`
	RevocationPubkey       string       `json:"revocation_pubkey"`
	TotalAmountSats        int64        `json:"total_amount_sats"`
	RateSatsPerSec         int64        `json:"rate_sats_per_sec"`
	StartUnix              int64        `json:"start_unix"`
	CliffUnix              int64        `json:"cliff_unix"`
	StreamedCommitmentSats int64        `json:"streamed_commitment_sats"`
	Status                 store.Status `json:"status"`
}

// MintParams describe a new stream.
type MintParams struct {
	VaultID          string
	Beneficiary      string
	RevocationPubkey string
	TotalAmountSats  int64
	RateSatsPerSec   int64
	StartUnix        int64
	CliffUnix        int64
}

// Client registers and updates streams in the charm registry.
type Client struct {
	store         store.Store
	client        *resiliency.EnhancedClient
	allowFallback bool
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func New(st store.Store, client *resiliency.EnhancedClient, allowFallback bool, opts ...Option) *Client {
	c := &Client{
		store:         st,
		client:        client,
		allowFallback: allowFallback,
		logger:        slog.Default().With("component", "registry"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) policy() resiliency.Policy {
	return resiliency.Policy{Service: "charms", AllowFallback: c.allowFallback, Logger: c.logger}
}

type mintRequest struct {
	VaultID          string `json:"vault_id"`
	StreamID         string `json:"stream_id"`
	TotalAmountSats  int64  `json:"total_amount_sats"`
	RateSatsPerSec   int64  `json:"rate_sats_per_sec"`
	StartUnix        int64  `json:"start_unix"`
	CliffUnix        int64  `json:"cliff_unix"`
	Beneficiary      string `json:"beneficiary"`
	RevocationPubkey string `json:"revocation_pubkey"`
}

type updateRequest struct {
	StreamedCommitmentSats int64        `json:"streamed_commitment_sats"`
	Status                 store.Status `json:"status,omitempty"`
}

// Mint persists a new active stream and registers it remotely. The stream
// gets the remote charm id, or a synthetic charm_<uuid> on fallback. When
// fallback is disallowed and the remote fails, the stream stays persisted
// without a charm id and the error is returned.
func (c *Client) Mint(ctx context.Context, p MintParams) (Metadata, resiliency.Via, error) {
	sched := vesting.Schedule{
		StartUnix:       p.StartUnix,
		CliffUnix:       p.CliffUnix,
		RateSatsPerSec:  p.RateSatsPerSec,
		TotalAmountSats: p.TotalAmountSats,
	}
	if err := sched.Validate(); err != nil {
		return Metadata{}, "", err
	}

	now := c.now().UTC()
	st := &store.Stream{
		ID:               "stream_" + uuid.NewString(),
		VaultID:          p.VaultID,
		Beneficiary:      p.Beneficiary,
		TotalAmountSats:  p.TotalAmountSats,
		RateSatsPerSec:   p.RateSatsPerSec,
		StartUnix:        p.StartUnix,
		CliffUnix:        p.CliffUnix,
		RevocationPubkey: p.RevocationPubkey,
		Status:           store.StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.store.CreateStream(ctx, st); err != nil {
		return Metadata{}, "", err
	}

	var remote func(context.Context) (Metadata, error)
	if c.client.Configured() {
		remote = func(ctx context.Context) (Metadata, error) {
			var md Metadata
			err := c.client.PostJSON(ctx, "stream-charm/mint", mintRequest{
				VaultID:          p.VaultID,
				StreamID:         st.ID,
				TotalAmountSats:  p.TotalAmountSats,
				RateSatsPerSec:   p.RateSatsPerSec,
				StartUnix:        p.StartUnix,
				CliffUnix:        p.CliffUnix,
				Beneficiary:      p.Beneficiary,
				RevocationPubkey: p.RevocationPubkey,
			}, &md)
			if err != nil {
				return Metadata{}, err
			}
			if md.StreamID == "" {
				md.StreamID = st.ID
			}
			return md, nil
		}
	}

	md, via, err := resiliency.Call(ctx, c.policy(), remote, func(context.Context) (Metadata, error) {
		md := metadataOf(st)
		md.CharmID = "charm_" + uuid.NewString()
		return md, nil
	})
	if err != nil {
		return Metadata{}, "", err
	}
	if md.CharmID != "" {
		if err := c.store.AttachCharmID(ctx, st.ID, md.CharmID); err != nil {
			return Metadata{}, "", err
		}
	}
	return md, via, nil
}

// Update pushes a new commitment to the registry and persists it locally.
// status may be empty to leave the stored status unchanged.
func (c *Client) Update(ctx context.Context, streamID string, commitment int64, status store.Status) (resiliency.Via, error) {
	var remote func(context.Context) (struct{}, error)
	if c.client.Configured() {
		remote = func(ctx context.Context) (struct{}, error) {
			path := fmt.Sprintf("stream-charm/%s/update", url.PathEscape(streamID))
			return struct{}{}, c.client.PostJSON(ctx, path, updateRequest{
				StreamedCommitmentSats: commitment,
				Status:                 status,
			}, nil)
		}
	}

	_, via, err := resiliency.Call(ctx, c.policy(), remote, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	if err != nil {
		return "", err
	}
	if err := c.store.UpdateCommitment(ctx, streamID, commitment, status); err != nil {
		return via, fmt.Errorf("persist commitment: %w", err)
	}
	return via, nil
}

// Query returns registry metadata, or nil when the stream is unknown locally
// and the remote is unavailable.
func (c *Client) Query(ctx context.Context, streamID string) (*Metadata, resiliency.Via, error) {
	var remote func(context.Context) (*Metadata, error)
	if c.client.Configured() {
		remote = func(ctx context.Context) (*Metadata, error) {
			var md Metadata
			if err := c.client.GetJSON(ctx, "stream-charm/"+url.PathEscape(streamID), &md); err != nil {
				return nil, err
			}
			return &md, nil
		}
	}

	return resiliency.Call(ctx, c.policy(), remote, func(ctx context.Context) (*Metadata, error) {
		st, err := c.store.GetStream(ctx, streamID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		md := metadataOf(st)
		if md.CharmID == "" {
			md.CharmID = PlaceholderCharmID
		}
		return &md, nil
	})
}

func metadataOf(st *store.Stream) Metadata {
	return Metadata{
		StreamID:               st.ID,
		CharmID:                st.CharmID,
		RevocationPubkey:       st.RevocationPubkey,
		TotalAmountSats:        st.TotalAmountSats,
		RateSatsPerSec:         st.RateSatsPerSec,
		StartUnix:              st.StartUnix,
		CliffUnix:              st.CliffUnix,
		StreamedCommitmentSats: st.StreamedCommitmentSats,
		Status:                 st.Status,
	}
}

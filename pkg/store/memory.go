package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It is used for tests and demos.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]Stream
	claims  map[string][]ClaimRecord
	vaults  map[string]VaultRecord
	locks   *KeyedMutex
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]Stream),
		claims:  make(map[string][]ClaimRecord),
		vaults:  make(map[string]VaultRecord),
		locks:   NewKeyedMutex(),
		now:     time.Now,
	}
}

func (m *MemoryStore) GetStream(_ context.Context, id string) (*Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) CreateStream(_ context.Context, s *Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.streams[s.ID]; exists {
		return fmt.Errorf("store: stream %s already exists", s.ID)
	}
	m.streams[s.ID] = *s
	return nil
}

func (m *MemoryStore) ListStreams(_ context.Context) ([]Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateCommitment(_ context.Context, id string, commitment int64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	if commitment < s.StreamedCommitmentSats || commitment > s.TotalAmountSats {
		return fmt.Errorf("%w: %d -> %d (total %d)", ErrCommitmentRegression, s.StreamedCommitmentSats, commitment, s.TotalAmountSats)
	}
	s.StreamedCommitmentSats = commitment
	if status != "" {
		s.Status = status
	}
	s.UpdatedAt = m.now().UTC()
	m.streams[id] = s
	return nil
}

func (m *MemoryStore) AttachCharmID(_ context.Context, id, charmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	s.CharmID = charmID
	s.UpdatedAt = m.now().UTC()
	m.streams[id] = s
	return nil
}

func (m *MemoryStore) AppendClaim(_ context.Context, c ClaimRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[c.StreamID]; !ok {
		return ErrNotFound
	}
	m.claims[c.StreamID] = append(m.claims[c.StreamID], c)
	return nil
}

func (m *MemoryStore) ListClaims(_ context.Context, streamID string) ([]ClaimRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.claims[streamID]
	out := make([]ClaimRecord, len(src))
	for i, c := range src {
		out[len(src)-1-i] = c
	}
	return out, nil
}

func (m *MemoryStore) UpsertVault(_ context.Context, v VaultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.vaults[v.ID]; ok {
		v.CreatedAt = prev.CreatedAt
	}
	m.vaults[v.ID] = v
	return nil
}

// Vault returns a stored vault record.
func (m *MemoryStore) Vault(id string) (VaultRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaults[id]
	return v, ok
}

func (m *MemoryStore) Lock(ctx context.Context, streamID string) (func(), error) {
	return m.locks.Lock(ctx, streamID)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

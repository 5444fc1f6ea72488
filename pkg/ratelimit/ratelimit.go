// Package ratelimit gates inbound requests with a fixed window counter per
// caller. Each key's window resets on its own schedule.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Policy is the window length and the number of requests admitted in it.
type Policy struct {
	Window time.Duration
	Max    int
}

// DefaultPolicy admits 100 requests per minute.
var DefaultPolicy = Policy{Window: time.Minute, Max: 100}

// Decision is the outcome of one hit.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Store counts hits per key.
type Store interface {
	Hit(ctx context.Context, key string, p Policy) (Decision, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps windows in process. A background sweeper drops expired
// windows until Close is called.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore starts a store that sweeps every interval. A non-positive
// interval disables sweeping.
func NewMemoryStore(sweepEvery time.Duration) *MemoryStore {
	m := &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if sweepEvery <= 0 {
		close(m.done)
		return m
	}
	go m.sweepLoop(sweepEvery)
	return m
}

func (m *MemoryStore) Hit(_ context.Context, key string, p Policy) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(p.Window)}
		m.windows[key] = w
	}
	if w.count >= p.Max {
		return Decision{Allowed: false, Limit: p.Max, Remaining: 0, ResetAt: w.resetAt}, nil
	}
	w.count++
	return Decision{Allowed: true, Limit: p.Max, Remaining: p.Max - w.count, ResetAt: w.resetAt}, nil
}

// Len returns the number of tracked windows.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Sweep drops expired windows.
func (m *MemoryStore) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, w := range m.windows {
		if now.After(w.resetAt) {
			delete(m.windows, k)
		}
	}
}

func (m *MemoryStore) sweepLoop(every time.Duration) {
	defer close(m.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Close stops the sweeper and waits for it to exit.
func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-streams/pkg/store"
)

// CachedResponse is a previously-seen response for idempotent replay.
type CachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStorer defines the interface for idempotency backends.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Set(ctx context.Context, key string, resp CachedResponse)
}

// MemoryIdempotencyStore holds cached responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

// NewIdempotencyStore creates an in-memory store that forgets entries after ttl.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *MemoryIdempotencyStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Close stops background cleanup.
func (s *MemoryIdempotencyStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp.CachedAt = time.Now()
	s.entries[key] = &resp
}

// SQLIdempotencyStore keeps responses in PostgreSQL so replays survive restarts.
type SQLIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl}
}

// Init creates the backing table.
func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		headers BYTEA NOT NULL,
		body BYTEA NOT NULL,
		cached_at TIMESTAMPTZ NOT NULL
	)`)
	return err
}

func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	var (
		resp    CachedResponse
		headers []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&resp.StatusCode, &headers, &resp.Body, &resp.CachedAt)
	if err != nil {
		return nil, false
	}
	if time.Since(resp.CachedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}
	if err := json.Unmarshal(headers, &resp.Headers); err != nil {
		resp.Headers = http.Header{"Content-Type": {"application/json"}}
	}
	return &resp, true
}

func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, resp CachedResponse) {
	headers, _ := json.Marshal(resp.Headers)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, cached_at = NOW()`,
		key, resp.StatusCode, headers, resp.Body,
	)
	if err != nil {
		// Replay is best effort; the claim itself already settled.
		slog.Warn("idempotency: failed to store response", "key", key, "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE cached_at < $1`, time.Now().Add(-s.ttl))
	return err
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware processes each POST carrying an Idempotency-Key at
// most once per path. Concurrent duplicates wait for the first to finish and
// then receive its cached response. Only 2xx responses are cached.
func IdempotencyMiddleware(st IdempotencyStorer) func(http.Handler) http.Handler {
	inflight := store.NewKeyedMutex()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || key == "" || st == nil {
				next.ServeHTTP(w, r)
				return
			}
			key = r.URL.Path + "|" + key

			unlock, err := inflight.Lock(r.Context(), key)
			if err != nil {
				return
			}
			defer unlock()

			if cached, ok := st.Check(r.Context(), key); ok {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				st.Set(context.WithoutCancel(r.Context()), key, CachedResponse{
					StatusCode: capture.statusCode,
					Headers:    http.Header{"Content-Type": {w.Header().Get("Content-Type")}},
					Body:       capture.body.Bytes(),
				})
			}
		})
	}
}

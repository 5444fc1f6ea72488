package resiliency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnhancedClientRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("traceparent"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "s1", body["stream_id"])
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"charm_id": "c1"})
	}))
	defer srv.Close()

	c := NewEnhancedClient("charms", srv.URL+"/", WithAPIKey("secret"), WithBaseDelay(time.Millisecond))
	var out struct {
		CharmID string `json:"charm_id"`
	}
	err := c.PostJSON(context.Background(), "/stream-charm/mint", map[string]string{"stream_id": "s1"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "c1", out.CharmID)
	assert.Equal(t, int32(3), hits.Load())
}

func TestEnhancedClientClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad proof"}`))
	}))
	defer srv.Close()

	c := NewEnhancedClient("zkbtc", srv.URL, WithBaseDelay(time.Millisecond))
	err := c.PostJSON(context.Background(), "vest/verify", map[string]int{"amount_sats": 1}, nil)

	var ext *ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "zkbtc", ext.Service)
	assert.Equal(t, http.StatusUnprocessableEntity, ext.Status)
	assert.Equal(t, "bad proof", ext.Message)
	assert.Equal(t, int32(1), hits.Load())
}

func TestEnhancedClientNotConfigured(t *testing.T) {
	c := NewEnhancedClient("grail", "")
	assert.False(t, c.Configured())
	err := c.GetJSON(context.Background(), "vaults/1", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestEnhancedClientOpensBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewEnhancedClient("scrolls", srv.URL,
		WithRetries(0),
		WithBreaker(NewCircuitBreaker("scrolls", 2, time.Hour)),
	)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := c.GetJSON(ctx, "config", nil)
		var ext *ExternalServiceError
		require.ErrorAs(t, err, &ext)
		assert.Equal(t, http.StatusServiceUnavailable, ext.Status)
	}
	err := c.GetJSON(ctx, "config", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestEnhancedClientHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewEnhancedClient("zkbtc", srv.URL, WithBaseDelay(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.GetJSON(ctx, "vest/generate", nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("test", 1, time.Minute)
	cb.now = func() time.Time { return now }

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
}

package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-streams/pkg/api"
)

func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	})
}

func post(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotencyMiddleware(t *testing.T) {
	st := api.NewIdempotencyStore(time.Hour)
	defer st.Close()

	var calls atomic.Int32
	h := api.IdempotencyMiddleware(st)(countingHandler(&calls, http.StatusOK))

	first := post(h, "/api/claimStream", "abc")
	second := post(h, "/api/claimStream", "abc")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))

	// Keys are scoped per path.
	post(h, "/api/createStream", "abc")
	assert.Equal(t, int32(2), calls.Load())

	// No key, no caching.
	post(h, "/api/claimStream", "")
	post(h, "/api/claimStream", "")
	assert.Equal(t, int32(4), calls.Load())
}

func TestIdempotencyOnlyCachesSuccess(t *testing.T) {
	st := api.NewIdempotencyStore(time.Hour)
	defer st.Close()

	var calls atomic.Int32
	h := api.IdempotencyMiddleware(st)(countingHandler(&calls, http.StatusBadGateway))
	post(h, "/api/claimStream", "retry-me")
	rec := post(h, "/api/claimStream", "retry-me")
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))
}

func TestIdempotencyConcurrentDuplicates(t *testing.T) {
	st := api.NewIdempotencyStore(time.Hour)
	defer st.Close()

	var calls atomic.Int32
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	h := api.IdempotencyMiddleware(st)(slow)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := post(h, "/api/claimStream", "same")
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoryIdempotencyExpiry(t *testing.T) {
	st := api.NewIdempotencyStore(time.Millisecond)
	defer st.Close()
	st.Set(context.Background(), "k", api.CachedResponse{StatusCode: 200, Body: []byte("x")})
	time.Sleep(5 * time.Millisecond)
	_, ok := st.Check(context.Background(), "k")
	assert.False(t, ok)
}

func TestSQLIdempotencyStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := api.NewSQLIdempotencyStore(db, time.Hour)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS idempotency_keys")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, st.Init(ctx))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("/api/claimStream|k", 200, sqlmock.AnyArg(), []byte(`{"ok":true}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	st.Set(ctx, "/api/claimStream|k", api.CachedResponse{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"ok":true}`),
	})

	rows := sqlmock.NewRows([]string{"status_code", "headers", "body", "cached_at"}).
		AddRow(200, []byte(`{"Content-Type":["application/json"]}`), []byte(`{"ok":true}`), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status_code, headers, body, cached_at FROM idempotency_keys")).
		WithArgs("/api/claimStream|k").
		WillReturnRows(rows)
	cached, ok := st.Check(ctx, "/api/claimStream|k")
	require.True(t, ok)
	assert.Equal(t, 200, cached.StatusCode)
	assert.Equal(t, "application/json", cached.Headers.Get("Content-Type"))

	stale := sqlmock.NewRows([]string{"status_code", "headers", "body", "cached_at"}).
		AddRow(200, []byte(`{}`), []byte(`{}`), time.Now().Add(-2*time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status_code")).WithArgs("old").WillReturnRows(stale)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_keys WHERE key = $1")).
		WithArgs("old").WillReturnResult(sqlmock.NewResult(0, 1))
	_, ok = st.Check(ctx, "old")
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

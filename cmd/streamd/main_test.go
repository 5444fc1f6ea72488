package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-streams/pkg/config"
	"github.com/Mindburn-Labs/helm-streams/pkg/settlement"
)

func TestRunDispatch(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func(io.Writer, io.Writer) int { called++; return 0 }
	defer func() { startServer = orig }()

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"streamd"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"streamd", "serve"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"streamd", "--port=1"}, &out, &errOut))
	assert.Equal(t, 3, called)

	assert.Equal(t, 0, Run([]string{"streamd", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "USAGE")

	assert.Equal(t, 2, Run([]string{"streamd", "bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: bogus")
}

func TestHealthCmd(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"streamd", "health", ok.URL}, &out, &errOut))
	assert.Equal(t, "OK\n", out.String())
	assert.Equal(t, 1, Run([]string{"streamd", "health", down.URL}, &out, &errOut))
	assert.Contains(t, errOut.String(), "status 503")
}

func liteConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "data", "streams.db")
	cfg.Scrolls.BaseURL = ""
	cfg.RateLimit.Max = 3
	return cfg
}

func TestBuildAppLiteMode(t *testing.T) {
	ctx := context.Background()
	a, err := buildApp(ctx, liteConfig(t), discardLogger())
	require.NoError(t, err)
	defer a.close(ctx)

	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("X-RateLimit-Limit"))

	body := `{"totalAmountBtc":0.0001,"rateSatsPerSec":10,"beneficiary":"tb1qbeneficiary","revocationPubkey":"02abcdef0123"}`
	resp, err = http.Post(srv.URL+"/api/createStream", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var created settlement.CreateResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, created.StreamID)

	// Fourth request inside the window is throttled.
	resp, err = http.Get(srv.URL + "/api/streams/" + created.StreamID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, err = http.Get(srv.URL + "/api/streams")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestBuildAppBadPostgres(t *testing.T) {
	cfg := liteConfig(t)
	cfg.DatabaseURL = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := buildApp(ctx, cfg, discardLogger())
	assert.Error(t, err)
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-streams/pkg/config"
)

var keys = []string{
	"STREAMS_CONFIG", "PORT", "LOG_LEVEL", "DATABASE_URL", "SQLITE_PATH", "REDIS_ADDR", "REDIS_PASSWORD",
	"REQUIRE_WALLET_SIG", "DEMO_WALLET_ADDRESS", "SCROLLS_NETWORK",
	"ZKBTC_API_BASE", "ZKBTC_API_KEY", "ZKBTC_ALLOW_FALLBACK",
	"CHARMS_API_BASE", "CHARMS_API_KEY", "CHARMS_ALLOW_FALLBACK",
	"GRAIL_API_BASE", "GRAIL_API_KEY", "GRAIL_ALLOW_FALLBACK",
	"SCROLLS_API_BASE", "SCROLLS_API_KEY", "SCROLLS_ALLOW_FALLBACK",
	"ATTEST_TIMEOUT", "REMOTE_TIMEOUT", "RATE_LIMIT_WINDOW", "RATE_LIMIT_MAX",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

// The server must boot in lite mode with nothing configured.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, "data/streams.db", cfg.SQLitePath)
	assert.False(t, cfg.RequireWalletSig)
	assert.Equal(t, "testnet4", cfg.ScrollsNetwork)
	assert.True(t, cfg.ZKBTC.AllowFallback)
	assert.False(t, cfg.ZKBTC.Configured())
	assert.Equal(t, config.DefaultScrollsBase, cfg.Scrolls.BaseURL)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 100, cfg.RateLimit.Max)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("REQUIRE_WALLET_SIG", "true")
	t.Setenv("ZKBTC_API_BASE", "https://zk.example.com")
	t.Setenv("ZKBTC_ALLOW_FALLBACK", "false")
	t.Setenv("CHARMS_ALLOW_FALLBACK", "no")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_PASSWORD", "s3cret")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.SlogLevel().String())
	assert.False(t, cfg.LiteMode())
	assert.True(t, cfg.RequireWalletSig)
	assert.Equal(t, "https://zk.example.com", cfg.ZKBTC.BaseURL)
	assert.False(t, cfg.ZKBTC.AllowFallback)
	// Only the literal "false" disables a fallback.
	assert.True(t, cfg.Charms.AllowFallback)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.RateLimit.Max)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "s3cret", cfg.RedisPassword)
}

func TestLoad_RequireSigOnlyTrue(t *testing.T) {
	clearEnv(t)
	t.Setenv("REQUIRE_WALLET_SIG", "1")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.False(t, cfg.RequireWalletSig)
}

func TestLoad_Invalid(t *testing.T) {
	for name, env := range map[string][2]string{
		"relative url": {"GRAIL_API_BASE", "grail.local"},
		"network":      {"SCROLLS_NETWORK", "regtest"},
		"max":          {"RATE_LIMIT_MAX", "zero"},
		"window":       {"RATE_LIMIT_WINDOW", "-1s"},
		"timeout":      {"REMOTE_TIMEOUT", "soon"},
		"log level":    {"LOG_LEVEL", "chatty"},
	} {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(env[0], env[1])
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "streams.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7070"
scrolls_network: main
charms:
  base_url: https://charms.example.com
  allow_fallback: false
rate_limit:
  window: 10s
  max: 20
`), 0o600))
	t.Setenv("STREAMS_CONFIG", path)
	t.Setenv("PORT", "6060")

	cfg, err := config.Load()
	require.NoError(t, err)

	// Environment wins over the file.
	assert.Equal(t, "6060", cfg.Port)
	assert.Equal(t, "main", cfg.ScrollsNetwork)
	assert.Equal(t, "https://charms.example.com", cfg.Charms.BaseURL)
	assert.False(t, cfg.Charms.AllowFallback)
	assert.True(t, cfg.Grail.AllowFallback)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 20, cfg.RateLimit.Max)
}

func TestLoad_YAMLOverlayErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("STREAMS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := config.Load()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("shadow_mode: true\n"), 0o600))
	t.Setenv("STREAMS_CONFIG", path)
	_, err = config.Load()
	assert.Error(t, err)
}

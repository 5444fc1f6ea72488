// Package config loads server configuration from the environment, optionally
// layered over a YAML file named by STREAMS_CONFIG.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultScrollsBase is used when SCROLLS_API_BASE is unset.
const DefaultScrollsBase = "https://scrolls.charms.dev"

// Remote configures one external integration.
type Remote struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	AllowFallback bool   `yaml:"allow_fallback"`
}

// Configured reports whether a base URL was supplied.
func (r Remote) Configured() bool { return r.BaseURL != "" }

// RateLimit configures the per-client fixed window.
type RateLimit struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`
	// RedisPassword authenticates to RedisAddr; empty disables AUTH.
	RedisPassword string `yaml:"redis_password"`

	RequireWalletSig  bool   `yaml:"require_wallet_sig"`
	DemoWalletAddress string `yaml:"demo_wallet_address"`
	ScrollsNetwork    string `yaml:"scrolls_network"`

	ZKBTC   Remote `yaml:"zkbtc"`
	Charms  Remote `yaml:"charms"`
	Grail   Remote `yaml:"grail"`
	Scrolls Remote `yaml:"scrolls"`

	AttestTimeout time.Duration `yaml:"attest_timeout"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:           "8080",
		LogLevel:       "INFO",
		SQLitePath:     "data/streams.db",
		ScrollsNetwork: "testnet4",
		ZKBTC:          Remote{AllowFallback: true},
		Charms:         Remote{AllowFallback: true},
		Grail:          Remote{AllowFallback: true},
		Scrolls:        Remote{BaseURL: DefaultScrollsBase, AllowFallback: true},
		AttestTimeout:  60 * time.Second,
		RemoteTimeout:  10 * time.Second,
		RateLimit:      RateLimit{Window: time.Minute, Max: 100},
		Telemetry:      Telemetry{Sample: 1.0},
	}
}

// Load builds the configuration: defaults, then the STREAMS_CONFIG overlay
// if set, then environment variables. The result is validated.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("STREAMS_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	// Flags mirror the original env parsing: REQUIRE_WALLET_SIG only turns
	// on for "true", fallbacks only turn off for "false".
	onlyTrue := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v == "true"
		}
	}
	unlessFalse := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v != "false"
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = d
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SQLITE_PATH", &c.SQLitePath)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	onlyTrue("REQUIRE_WALLET_SIG", &c.RequireWalletSig)
	str("DEMO_WALLET_ADDRESS", &c.DemoWalletAddress)
	str("SCROLLS_NETWORK", &c.ScrollsNetwork)

	for prefix, r := range map[string]*Remote{"ZKBTC": &c.ZKBTC, "CHARMS": &c.Charms, "GRAIL": &c.Grail, "SCROLLS": &c.Scrolls} {
		str(prefix+"_API_BASE", &r.BaseURL)
		str(prefix+"_API_KEY", &r.APIKey)
		unlessFalse(prefix+"_ALLOW_FALLBACK", &r.AllowFallback)
	}

	dur("ATTEST_TIMEOUT", &c.AttestTimeout)
	dur("REMOTE_TIMEOUT", &c.RemoteTimeout)
	dur("RATE_LIMIT_WINDOW", &c.RateLimit.Window)
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("RATE_LIMIT_MAX: %v", err))
		} else {
			c.RateLimit.Max = n
		}
	}

	onlyTrue("OTEL_ENABLED", &c.Telemetry.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []string
	for name, r := range map[string]Remote{"zkbtc": c.ZKBTC, "charms": c.Charms, "grail": c.Grail, "scrolls": c.Scrolls} {
		if r.BaseURL == "" {
			continue
		}
		u, err := url.Parse(r.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("%s base url %q is not an absolute URL", name, r.BaseURL))
		}
	}
	if c.ScrollsNetwork != "main" && c.ScrollsNetwork != "testnet4" {
		errs = append(errs, fmt.Sprintf("scrolls network %q must be main or testnet4", c.ScrollsNetwork))
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, "rate limit window and max must be positive")
	}
	if c.AttestTimeout <= 0 || c.RemoteTimeout <= 0 {
		errs = append(errs, "timeouts must be positive")
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Sprintf("log level %q: %v", c.LogLevel, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SlogLevel returns the configured log level, INFO if unparseable.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// LiteMode reports whether the server runs on SQLite.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

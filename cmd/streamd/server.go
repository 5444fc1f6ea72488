package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm-streams/pkg/api"
	"github.com/Mindburn-Labs/helm-streams/pkg/attest"
	"github.com/Mindburn-Labs/helm-streams/pkg/config"
	"github.com/Mindburn-Labs/helm-streams/pkg/observability"
	"github.com/Mindburn-Labs/helm-streams/pkg/ratelimit"
	"github.com/Mindburn-Labs/helm-streams/pkg/registry"
	"github.com/Mindburn-Labs/helm-streams/pkg/settlement"
	"github.com/Mindburn-Labs/helm-streams/pkg/store"
	"github.com/Mindburn-Labs/helm-streams/pkg/util/resiliency"
	"github.com/Mindburn-Labs/helm-streams/pkg/vault"
	"github.com/Mindburn-Labs/helm-streams/pkg/walletsig"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

const idempotencyTTL = 24 * time.Hour

// app is a fully wired server and the resources it must release.
type app struct {
	handler http.Handler
	closers []func(context.Context) error
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			slog.Warn("shutdown step failed", "error", err)
		}
	}
}

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("streamd listening", "addr", srv.Addr, "lite_mode", cfg.LiteMode())
		errCh <- srv.ListenAndServe()
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	a.close(shutdownCtx)
	return code
}

// buildApp wires storage, integrations and the HTTP stack from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close(context.Background())
		return nil, err
	}

	var (
		st   *store.SQLStore
		idem api.IdempotencyStorer
		err  error
	)
	if cfg.LiteMode() {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fail(fmt.Errorf("create data dir: %w", err))
			}
		}
		logger.Info("DATABASE_URL not set, using sqlite", "path", cfg.SQLitePath)
		if st, err = store.OpenSQLite(ctx, cfg.SQLitePath); err != nil {
			return fail(err)
		}
		mem := api.NewIdempotencyStore(idempotencyTTL)
		a.closers = append(a.closers, func(context.Context) error { return mem.Close() })
		idem = mem
	} else {
		if st, err = store.OpenPostgres(ctx, cfg.DatabaseURL); err != nil {
			return fail(err)
		}
		sqlIdem := api.NewSQLIdempotencyStore(st.DB(), idempotencyTTL)
		if err := sqlIdem.Init(ctx); err != nil {
			_ = st.Close()
			return fail(fmt.Errorf("init idempotency store: %w", err))
		}
		idem = sqlIdem
	}
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.Telemetry.Enabled
	otelCfg.SampleRate = cfg.Telemetry.Sample
	if cfg.Telemetry.Endpoint != "" {
		otelCfg.OTLPEndpoint = cfg.Telemetry.Endpoint
	}
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, telemetry.Shutdown)

	client := func(name string, r config.Remote, timeout time.Duration) *resiliency.EnhancedClient {
		opts := []resiliency.ClientOption{resiliency.WithTimeout(timeout)}
		if r.APIKey != "" {
			opts = append(opts, resiliency.WithAPIKey(r.APIKey))
		}
		return resiliency.NewEnhancedClient(name, r.BaseURL, opts...)
	}

	vaults := vault.New(st,
		client("grail", cfg.Grail, cfg.RemoteTimeout),
		client("scrolls", cfg.Scrolls, cfg.RemoteTimeout),
		vault.Options{
			AllowGrailFallback:   cfg.Grail.AllowFallback,
			AllowScrollsFallback: cfg.Scrolls.AllowFallback,
			Logger:               logger.With("component", "vault"),
		})
	charms := registry.New(st, client("charms", cfg.Charms, cfg.RemoteTimeout), cfg.Charms.AllowFallback,
		registry.WithLogger(logger.With("component", "registry")))
	pipeline := settlement.New(st,
		walletsig.New(walletsig.WithLogger(logger.With("component", "walletsig"))),
		attest.New(client("zkbtc", cfg.ZKBTC, cfg.AttestTimeout), cfg.ZKBTC.AllowFallback,
			attest.WithTimeout(cfg.AttestTimeout),
			attest.WithLogger(logger.With("component", "attest"))),
		charms,
		vaults,
		settlement.Options{
			RequireWalletSig:  cfg.RequireWalletSig,
			DemoWalletAddress: cfg.DemoWalletAddress,
			Network:           vault.Network(cfg.ScrollsNetwork),
			Logger:            logger.With("component", "settlement"),
			Telemetry:         telemetry,
		})

	srv, err := api.NewServer(pipeline, vaults, st, logger.With("component", "api"), api.WithCharms(charms))
	if err != nil {
		return fail(err)
	}

	var limits ratelimit.Store
	if cfg.RedisAddr != "" {
		rs := ratelimit.NewRedisStoreFromAddr(cfg.RedisAddr, cfg.RedisPassword, 0)
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, rate limits will fail open", "addr", cfg.RedisAddr, "error", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
		limits = rs
	} else {
		mem := ratelimit.NewMemoryStore(time.Minute)
		a.closers = append(a.closers, func(context.Context) error { return mem.Close() })
		limits = mem
	}

	a.handler = srv.Handler(
		ratelimit.Middleware(limits, ratelimit.Policy{Window: cfg.RateLimit.Window, Max: cfg.RateLimit.Max}, ratelimit.ClientIP),
		api.IdempotencyMiddleware(idem),
	)
	return a, nil
}

package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantauth/internal/auth"
	"github.com/gosuda/tenantauth/internal/config"
	"github.com/gosuda/tenantauth/internal/credstore"
	"github.com/gosuda/tenantauth/internal/metrics"
	"github.com/gosuda/tenantauth/internal/secrets"
	"github.com/gosuda/tenantauth/internal/session"
	"github.com/gosuda/tenantauth/internal/store"
	"github.com/gosuda/tenantauth/internal/store/file"
	"github.com/gosuda/tenantauth/internal/store/memory"
	"github.com/gosuda/tenantauth/internal/store/postgres"
	redisstore "github.com/gosuda/tenantauth/internal/store/redis"
	"github.com/gosuda/tenantauth/internal/transport"
)

// app wires the credential store, registry, refresher and binder for one
// command invocation.
type app struct {
	cfg       *config.Config
	gatherer  prometheus.Gatherer
	creds     *credstore.Store
	registry  *session.Registry
	client    *auth.Client
	refresher *auth.Refresher
	binder    *transport.Binder

	stdin  io.Reader
	stdout io.Writer
}

// openKV connects the configured store backend.
func openKV(ctx context.Context, cfg *config.Config) (store.KV, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.New(), func() {}, nil
	case config.BackendFile:
		kv, err := file.New(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {}, nil
	case config.BackendRedis:
		kv, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisstore.DefaultPrefix)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() { _ = kv.Close() }, nil
	case config.BackendPostgres:
		if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
			return nil, nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		pg, err := postgres.New(ctx, cfg.Database.DSN, int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg.KV(), pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func newApp(ctx context.Context, cfg *config.Config, kv store.KV, stdin io.Reader, stdout io.Writer) (*app, error) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	opts := credstore.Options{Passphrase: cfg.Store.Passphrase, Metrics: m}
	switch {
	case cfg.Store.Key != "":
		key, err := secrets.ParseKey(cfg.Store.Key)
		if err != nil {
			return nil, fmt.Errorf("TENANTAUTH_STORE_KEY: %w", err)
		}
		opts.Key = key
	case cfg.Store.Passphrase == "":
		// Only the memory backend gets here; its contents die with the process.
		opts.Key = make([]byte, secrets.KeyLen)
		if _, err := rand.Read(opts.Key); err != nil {
			return nil, fmt.Errorf("generating ephemeral key: %w", err)
		}
	}

	creds, err := credstore.Open(ctx, kv, opts)
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(creds, m)
	httpClient := &http.Client{Timeout: cfg.API.HTTPTimeout}
	client := auth.NewClient(cfg.API.URL, cfg.API.ClientName, httpClient, m)
	refresher := auth.NewRefresher(registry, client, auth.RefresherOptions{
		AccessTokenBuffer:   cfg.Refresh.AccessTokenBuffer,
		Timeout:             cfg.Refresh.Timeout,
		PurgeOnNetworkError: cfg.Refresh.PurgeOnNetworkError,
		Metrics:             m,
	})
	binder := transport.NewBinder(refresher, creds, transport.Options{
		ClientName:  cfg.API.ClientName,
		Timeout:     cfg.API.HTTPTimeout,
		MaxAttempts: cfg.Transport.RetryMaxAttempts,
		BaseDelay:   cfg.Transport.RetryBaseDelay,
		RateLimit:   cfg.Transport.RateLimitRPS,
		Burst:       cfg.Transport.RateLimitBurst,
		CacheSize:   cfg.Transport.CacheSize,
		CacheTTL:    cfg.Transport.CacheTTL,
		Metrics:     m,
	})
	registry.OnRemove(binder.Evict)
	registry.OnCredentialChange(binder.Reset)

	return &app{
		cfg:       cfg,
		gatherer:  reg,
		creds:     creds,
		registry:  registry,
		client:    client,
		refresher: refresher,
		binder:    binder,
		stdin:     stdin,
		stdout:    stdout,
	}, nil
}

// close persists tenant caches and, when configured, the run's metrics.
func (a *app) close(ctx context.Context) {
	if err := a.binder.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to persist response caches")
	}
	if a.cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(a.cfg.MetricsFile, a.gatherer); err != nil {
			log.Warn().Err(err).Str("path", a.cfg.MetricsFile).Msg("failed to write metrics")
		}
	}
}

// Package app wires the shared runtime graph used by every binary:
// database pool, tenant resolver, redis settings cache and the ledger service.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"stockbook/internal/config"
	"stockbook/internal/core/tenant"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/cache"
	"stockbook/internal/infrastructure/storage/postgres"
	"stockbook/internal/infrastructure/storage/postgres/ledger_repo"
	"stockbook/pkg/logger"
)

// App holds long-lived dependencies. Close releases them in reverse order.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Pool     *postgres.Pool
	TxM      *postgres.TxManager
	Codec    *postgres.PayloadCodec
	Registry *tenant.PostgresRegistry
	Tenants  *tenant.Resolver
	Redis    *redis.Client          // nil when redis was unreachable at startup
	Settings *cache.ProductSettings // nil-safe; a no-op without redis
	Store    *ledger_repo.Store
	Ledger   *ledger.Service
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.LogDev,
	})
}

// Open connects to postgres and redis and builds the ledger service.
// Redis is optional: without it the service reads product settings from postgres.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = cfg.DBMinConns
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.Pool = pool
	a.TxM = postgres.NewTxManager(pool, cfg.StatementTimeout)

	codec, err := postgres.NewPayloadCodec(postgres.DefaultCompressThreshold)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("payload codec: %w", err)
	}
	a.Codec = codec

	a.Registry = tenant.NewPostgresRegistry(pool.Pool)
	resolverCfg := tenant.DefaultResolverConfig()
	resolverCfg.TTL = cfg.TenantCacheTTL
	a.Tenants = tenant.NewResolver(resolverCfg, a.Registry, log)

	opts := []ledger.Option{
		ledger.WithIdempotencyTTL(cfg.IdempotencyTTL),
		ledger.WithLogger(log),
	}
	if client, err := cache.NewClient(ctx, cfg.RedisAddr); err != nil {
		log.Warnw("redis unavailable, settings cache disabled", "addr", cfg.RedisAddr, "error", err)
	} else {
		a.Redis = client
		a.Settings = cache.NewProductSettings(client, cfg.SettingsCacheTTL)
		opts = append(opts, ledger.WithSettingsCache(a.Settings))
	}

	a.Store = ledger_repo.NewStore(a.TxM, postgres.NewOutboxPublisher(a.TxM, codec))
	a.Ledger = ledger.NewService(a.Store, a.Tenants, opts...)
	return a, nil
}

// Close releases every connection held by the app.
func (a *App) Close() {
	if a.Tenants != nil {
		a.Tenants.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warnw("redis close", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

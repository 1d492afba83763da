// Package main is the entry point for the stockbook background worker.
// It relays the outbox to asynq, consumes ledger events and runs periodic
// per-tenant maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"stockbook/internal/app"
	"stockbook/internal/config"
	"stockbook/internal/core/tenant"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/queue"
	"stockbook/internal/infrastructure/storage/postgres"
	"stockbook/pkg/logger"
)

// outboxRetention bounds how long published outbox rows are kept.
const outboxRetention = 7 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	if err != nil {
		log.Errorw("worker stopped with error", "error", err)
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("worker stopped")
	_ = log.Sync()
}

// run wires the worker and blocks until ctx is done or a component fails.
// Every resource it opens is released before it returns.
func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting stockbook worker")

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client := asynq.NewClient(redisOpts)
	defer func() {
		if err := client.Close(); err != nil {
			log.Warnw("asynq client close", "error", err)
		}
	}()

	relay := postgres.NewOutboxRelay(deps.TxM, deps.Codec, cfg.OutboxBatchSize, queue.NewOutboxHandler(client))

	consumer := queue.NewConsumer(log)
	consumer.On(ledger.EventLotDepleted, func(ctx context.Context, tenantID string, event ledger.Event) error {
		log.WithContext(ctx).Infow("lot depleted",
			"tenant_id", tenantID,
			"product_id", event.ProductID.String(),
			"lots", len(event.LotIDs),
		)
		return nil
	})
	server := queue.NewServer(redisOpts, cfg.WorkerConcurrency, consumer)

	m := newMaintainer(deps.Tenants, deps.Ledger, relay, deps.Pool, log)

	return runAll(ctx,
		func(ctx context.Context) error { return relay.Run(ctx, cfg.OutboxPollInterval) },
		server.Run,
		func(ctx context.Context) error { return m.Run(ctx, cfg.MaintenancePeriod) },
	)
}

// runAll runs every component until ctx is done. The first failure cancels
// the rest and is returned once all of them have stopped.
func runAll(ctx context.Context, components ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		c := c
		g.Go(func() error { return c(gctx) })
	}
	return g.Wait()
}

// activeTenants lists tenants the maintenance loop visits.
type activeTenants interface {
	ActiveTenants(ctx context.Context) ([]*tenant.Tenant, error)
}

// maintainer runs periodic housekeeping: per tenant it purges expired
// idempotency keys and audits the ledger, then it trims the outbox.
type maintainer struct {
	tenants activeTenants
	ledger  *ledger.Service
	relay   *postgres.OutboxRelay
	pool    *postgres.Pool
	log     *logger.Logger
}

func newMaintainer(tenants activeTenants, svc *ledger.Service, relay *postgres.OutboxRelay, pool *postgres.Pool, log *logger.Logger) *maintainer {
	return &maintainer{
		tenants: tenants,
		ledger:  svc,
		relay:   relay,
		pool:    pool,
		log:     log.WithComponent("maintenance"),
	}
}

// Run ticks every period until ctx is done.
func (m *maintainer) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		m.tick(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *maintainer) tick(ctx context.Context) {
	tenants, err := m.tenants.ActiveTenants(ctx)
	if err != nil {
		m.log.Errorw("failed to list active tenants", "error", err)
		return
	}

	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}
		m.runTenant(ctx, t)
	}

	if n, err := m.relay.MoveToDLQ(ctx); err != nil {
		m.log.Errorw("failed to move outbox messages to DLQ", "error", err)
	} else if n > 0 {
		m.log.Warnw("outbox messages moved to DLQ", "count", n)
	}

	if n, err := m.relay.PurgePublished(ctx, time.Now().Add(-outboxRetention)); err != nil {
		m.log.Errorw("failed to purge outbox", "error", err)
	} else if n > 0 {
		m.log.Infow("outbox purged", "count", n)
	}

	m.pool.LogStats(m.log)
}

func (m *maintainer) runTenant(ctx context.Context, t *tenant.Tenant) {
	log := m.log.With("tenant_id", t.ID.String(), "tenant", t.Slug)

	if n, err := m.ledger.PurgeExpiredKeys(ctx, t.ID); err != nil {
		log.Errorw("failed to purge idempotency keys", "error", err)
	} else if n > 0 {
		log.Infow("idempotency keys purged", "count", n)
	}

	mismatches, err := m.ledger.Reconcile(ctx, t.ID)
	if err != nil {
		log.Errorw("reconcile failed", "error", err)
		return
	}
	for _, mm := range mismatches {
		log.Warnw("ledger drift",
			"lot_id", mm.LotID.String(),
			"quantity", mm.Quantity.String(),
			"ledger", mm.Ledger.String(),
		)
	}
}

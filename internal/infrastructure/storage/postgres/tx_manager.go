package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockbook/internal/core/id"
	"stockbook/internal/core/tx"
	"stockbook/pkg/logger"
)

var tracer = otel.Tracer("stockbook/tx")

var (
	_ tx.Manager       = (*TxManager)(nil)
	_ tx.TenantManager = (*TxManager)(nil)
)

// TxOptions configures transaction behavior.
type TxOptions struct {
	// IsolationLevel: pgx.Serializable, pgx.RepeatableRead, pgx.ReadCommitted
	IsolationLevel pgx.TxIsoLevel

	// AccessMode: pgx.ReadWrite, pgx.ReadOnly
	AccessMode pgx.TxAccessMode

	// StatementTimeout protects against long-running queries (default 30s)
	StatementTimeout time.Duration
}

// DefaultTxOptions returns production-safe defaults.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel:   pgx.ReadCommitted,
		AccessMode:       pgx.ReadWrite,
		StatementTimeout: 30 * time.Second,
	}
}

// TxManager manages database transactions with support for:
// - Nested calls joining the enclosing transaction
// - Tenant binding through the transaction-local app.tenant_id setting
// - Statement timeout protection
// - Distributed tracing integration
type TxManager struct {
	pool     *pgxpool.Pool
	defaults TxOptions
}

// NewTxManager creates a new transaction manager. A zero statementTimeout keeps the default.
func NewTxManager(pool *Pool, statementTimeout time.Duration) *TxManager {
	return NewTxManagerFromRawPool(pool.Pool, statementTimeout)
}

// NewTxManagerFromRawPool creates a new transaction manager from raw pgxpool.Pool.
func NewTxManagerFromRawPool(pool *pgxpool.Pool, statementTimeout time.Duration) *TxManager {
	defaults := DefaultTxOptions()
	if statementTimeout > 0 {
		defaults.StatementTimeout = statementTimeout
	}
	return &TxManager{pool: pool, defaults: defaults}
}

// txKey is the context key for active transaction.
type txKey struct{}

// Tx wraps pgx.Tx with metadata.
type Tx struct {
	pgx.Tx
	tenantID id.ID
}

// TenantID returns the tenant the transaction is bound to, or the nil id.
func (t *Tx) TenantID() id.ID {
	return t.tenantID
}

// RunInTransaction executes fn within a transaction that is not bound to a tenant.
// Tenant tables are invisible inside it; it serves the registry and the outbox relay.
// If a transaction already exists in ctx, it will be reused.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, m.defaults, id.Nil(), fn)
}

// RunScoped executes fn in a transaction bound to tenantID.
// A nested call must ask for the same tenant, otherwise it fails with tx.ErrTenantMismatch.
func (m *TxManager) RunScoped(ctx context.Context, tenantID id.ID, fn func(ctx context.Context) error) error {
	if id.IsNil(tenantID) {
		return fmt.Errorf("run scoped: %w", tx.ErrTenantMismatch)
	}
	return m.run(ctx, m.defaults, tenantID, fn)
}

// ReadOnlyScoped is RunScoped in a read-only transaction.
func (m *TxManager) ReadOnlyScoped(ctx context.Context, tenantID id.ID, fn func(ctx context.Context) error) error {
	if id.IsNil(tenantID) {
		return fmt.Errorf("read-only scoped: %w", tx.ErrTenantMismatch)
	}
	opts := m.defaults
	opts.AccessMode = pgx.ReadOnly
	return m.run(ctx, opts, tenantID, fn)
}

// RunInTransactionWithOptions executes fn with custom transaction options.
func (m *TxManager) RunInTransactionWithOptions(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	return m.run(ctx, opts, id.Nil(), fn)
}

func (m *TxManager) run(ctx context.Context, opts TxOptions, tenantID id.ID, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "transaction",
		trace.WithAttributes(
			attribute.String("tx.isolation", string(opts.IsolationLevel)),
			attribute.String("tx.access_mode", string(opts.AccessMode)),
			attribute.String("tenant.id", tenantID.String()),
		))
	defer span.End()

	var err error
	if existing := m.GetTx(ctx); existing != nil {
		err = m.joinTransaction(ctx, existing, tenantID, fn)
	} else {
		err = m.startNewTransaction(ctx, opts, tenantID, fn)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// startNewTransaction begins a new database transaction.
func (m *TxManager) startNewTransaction(ctx context.Context, opts TxOptions, tenantID id.ID, fn func(ctx context.Context) error) error {
	pgTx, err := m.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   opts.IsolationLevel,
		AccessMode: opts.AccessMode,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if opts.StatementTimeout > 0 {
		_, err = pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", opts.StatementTimeout.Milliseconds()))
		if err != nil {
			_ = pgTx.Rollback(context.Background())
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	// is_local = true: the setting dies with the transaction, so a pooled
	// connection never carries a tenant into the next checkout.
	if !id.IsNil(tenantID) {
		if _, err = pgTx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID.String()); err != nil {
			_ = pgTx.Rollback(context.Background())
			return fmt.Errorf("bind tenant: %w", err)
		}
	}

	wrappedTx := &Tx{Tx: pgTx, tenantID: tenantID}
	txCtx := context.WithValue(ctx, txKey{}, wrappedTx)

	if err := m.executeWithRollbackProtection(txCtx, pgTx, fn); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// joinTransaction runs fn inside the enclosing transaction. A nested call
// cannot switch tenants; its error propagates and the outer call rolls back.
func (m *TxManager) joinTransaction(ctx context.Context, existing *Tx, tenantID id.ID, fn func(ctx context.Context) error) error {
	if !id.IsNil(tenantID) && existing.tenantID != tenantID {
		return tx.ErrTenantMismatch
	}
	return fn(ctx)
}

// executeWithRollbackProtection runs fn and handles rollback on error.
func (m *TxManager) executeWithRollbackProtection(ctx context.Context, pgTx pgx.Tx, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err != nil {
		// Background context: the rollback must complete even if ctx was cancelled.
		if rbErr := pgTx.Rollback(context.Background()); rbErr != nil {
			logger.Error(ctx, "rollback failed", "error", rbErr, "original_error", err)
		}
		return err
	}
	return nil
}

// GetTx returns the current transaction from context, or nil if none.
func (m *TxManager) GetTx(ctx context.Context) *Tx {
	if t, ok := ctx.Value(txKey{}).(*Tx); ok {
		return t
	}
	return nil
}

// TenantID returns the tenant bound to the transaction in ctx.
func (m *TxManager) TenantID(ctx context.Context) (id.ID, bool) {
	t := m.GetTx(ctx)
	if t == nil || id.IsNil(t.tenantID) {
		return id.Nil(), false
	}
	return t.tenantID, true
}

// Querier is satisfied by both pgx.Tx and *pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// GetQuerier returns the transaction in ctx, or the pool outside of one.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil {
		return t.Tx
	}
	return m.pool
}

// Ping checks database connectivity.
func (m *TxManager) Ping(ctx context.Context) error {
	return m.pool.Ping(ctx)
}

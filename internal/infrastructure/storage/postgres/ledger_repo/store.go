// Package ledger_repo provides the PostgreSQL binding of ledger.Store.
// Every unit of work runs in a transaction bound to one tenant; row level
// security and an explicit tenant predicate both restrict what it sees.
package ledger_repo

import (
	"context"

	"github.com/Masterminds/squirrel"

	"stockbook/internal/core/id"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/storage/postgres"
)

const (
	lotsTable        = "stock_lots"
	entriesTable     = "ledger_entries"
	productsTable    = "products"
	closureTable     = "location_closure"
	locationsTable   = "locations"
	idempotencyTable = "ledger_idempotency"
)

var (
	lotColumns     = postgres.ExtractDBColumns[ledger.StockLot]()
	entryColumns   = postgres.ExtractDBColumns[ledger.LedgerEntry]()
	productColumns = postgres.ExtractDBColumns[ledger.Product]()
)

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Store implements ledger.Store on top of postgres.TxManager.
type Store struct {
	txm    *postgres.TxManager
	batch  *postgres.BatchExecutor
	outbox *postgres.OutboxPublisher
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a store. Events go to the transactional outbox.
func NewStore(txm *postgres.TxManager, outbox *postgres.OutboxPublisher) *Store {
	return &Store{
		txm:    txm,
		batch:  postgres.NewBatchExecutor(txm),
		outbox: outbox,
	}
}

// Scoped runs fn in a read-write transaction bound to tenantID.
func (s *Store) Scoped(ctx context.Context, tenantID id.ID, fn func(ctx context.Context, uow ledger.UnitOfWork) error) error {
	if id.IsNil(tenantID) {
		return ledger.ErrTenantNotBound
	}
	return s.txm.RunScoped(ctx, tenantID, func(ctx context.Context) error {
		return fn(ctx, s.newScope(tenantID))
	})
}

// ReadScoped runs fn in a read-only transaction bound to tenantID.
func (s *Store) ReadScoped(ctx context.Context, tenantID id.ID, fn func(ctx context.Context, uow ledger.UnitOfWork) error) error {
	if id.IsNil(tenantID) {
		return ledger.ErrTenantNotBound
	}
	return s.txm.ReadOnlyScoped(ctx, tenantID, func(ctx context.Context) error {
		return fn(ctx, s.newScope(tenantID))
	})
}

func (s *Store) newScope(tenantID id.ID) *Scope {
	return &Scope{
		tenantID: tenantID,
		txm:      s.txm,
		batch:    s.batch,
		outbox:   s.outbox,
		builder:  builder(),
	}
}

// Scope is the unit of work of one tenant-bound transaction.
type Scope struct {
	tenantID id.ID
	txm      *postgres.TxManager
	batch    *postgres.BatchExecutor
	outbox   *postgres.OutboxPublisher
	builder  squirrel.StatementBuilderType
}

// NewScope creates a scope outside of Store, e.g. for tests that only build SQL.
func NewScope(tenantID id.ID, txm *postgres.TxManager) *Scope {
	return &Scope{tenantID: tenantID, txm: txm, builder: builder()}
}

func (s *Scope) TenantID() id.ID { return s.tenantID }

func (s *Scope) Lots() ledger.LotRepository { return &LotRepo{scope: s} }

func (s *Scope) Entries() ledger.EntryRepository { return &EntryRepo{scope: s} }

func (s *Scope) Catalog() ledger.Catalog { return &CatalogRepo{scope: s} }

func (s *Scope) Idempotency() ledger.IdempotencyRepository { return &IdempotencyRepo{scope: s} }

func (s *Scope) Events() ledger.EventPublisher { return &eventPublisher{scope: s} }

func (s *Scope) querier(ctx context.Context) postgres.Querier {
	return s.txm.GetQuerier(ctx)
}

// tenant is the explicit tenant predicate added to every query.
func (s *Scope) tenant(table string) squirrel.Eq {
	return squirrel.Eq{table + ".tenant_id": s.tenantID}
}

type eventPublisher struct {
	scope *Scope
}

// Publish writes events to the outbox inside the unit-of-work transaction.
func (p *eventPublisher) Publish(ctx context.Context, events ...ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	out := make([]postgres.DomainEvent, 0, len(events))
	for _, e := range events {
		e.TenantID = p.scope.tenantID
		out = append(out, postgres.DomainEvent{
			TenantID:      e.TenantID,
			AggregateType: "product",
			AggregateID:   e.ProductID,
			EventType:     e.Type,
			Payload:       e,
		})
	}
	return p.scope.outbox.PublishBatch(ctx, out)
}

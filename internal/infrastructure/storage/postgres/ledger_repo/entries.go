package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/storage/postgres"
)

// EntryRepo implements ledger.EntryRepository.
type EntryRepo struct {
	scope *Scope
}

func (r *EntryRepo) baseSelect() squirrel.SelectBuilder {
	return r.scope.builder.
		Select(entryColumns...).
		From(entriesTable).
		Where(r.scope.tenant(entriesTable))
}

// Insert appends entries in one round-trip.
func (r *EntryRepo) Insert(ctx context.Context, entries ...*ledger.LedgerEntry) error {
	queries := make([]postgres.BatchQuery, 0, len(entries))
	for _, e := range entries {
		e.TenantID = r.scope.tenantID
		sql, args, err := r.scope.builder.Insert(entriesTable).SetMap(postgres.StructToMap(e)).ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		queries = append(queries, postgres.BatchQuery{SQL: sql, Args: args})
	}

	if err := r.scope.batch.ExecuteBatch(ctx, queries, false); err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return fmt.Errorf("insert entries: %w", ledger.ErrLotNotFound)
		}
		return fmt.Errorf("insert entries: %w", err)
	}
	return nil
}

func (r *EntryRepo) getOne(ctx context.Context, q squirrel.SelectBuilder) (*ledger.LedgerEntry, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var e ledger.LedgerEntry
	if err := pgxscan.Get(ctx, r.scope.querier(ctx), &e, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ledger.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return &e, nil
}

// Get returns the entry by id.
func (r *EntryRepo) Get(ctx context.Context, entryID id.ID) (*ledger.LedgerEntry, error) {
	return r.getOne(ctx, r.baseSelect().Where(squirrel.Eq{"id": entryID}))
}

// GetForUpdate returns the entry and row-locks it.
func (r *EntryRepo) GetForUpdate(ctx context.Context, entryID id.ID) (*ledger.LedgerEntry, error) {
	return r.getOne(ctx, r.baseSelect().Where(squirrel.Eq{"id": entryID}).Suffix("FOR UPDATE"))
}

// ListByCorrelation returns every entry of one operation, locked, in id order.
func (r *EntryRepo) ListByCorrelation(ctx context.Context, correlationID id.ID) ([]ledger.LedgerEntry, error) {
	q := r.baseSelect().
		Where(squirrel.Eq{"correlation_id": correlationID}).
		OrderBy("id ASC").
		Suffix("FOR UPDATE")
	return r.selectMany(ctx, q)
}

func (r *EntryRepo) listQuery(filter ledger.HistoryFilter) squirrel.SelectBuilder {
	q := r.baseSelect()
	if !filter.IncludeUndone {
		q = q.Where(squirrel.Eq{"undone": false})
	}
	if filter.LotID != nil {
		q = q.Where(squirrel.Eq{"lot_id": *filter.LotID})
	}
	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.CorrelationID != nil {
		q = q.Where(squirrel.Eq{"correlation_id": *filter.CorrelationID})
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		q = q.Where(squirrel.Eq{"operation_kind": kinds})
	}
	if filter.After != nil {
		q = q.Where(squirrel.Gt{"id": *filter.After})
	}
	q = q.OrderBy("id ASC")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return q
}

// List returns history in id order, keyset-paginated by filter.After.
func (r *EntryRepo) List(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.LedgerEntry, error) {
	return r.selectMany(ctx, r.listQuery(filter))
}

func (r *EntryRepo) selectMany(ctx context.Context, q squirrel.SelectBuilder) ([]ledger.LedgerEntry, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var entries []ledger.LedgerEntry
	if err := pgxscan.Select(ctx, r.scope.querier(ctx), &entries, sql, args...); err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	return entries, nil
}

type undoState struct {
	ID     id.ID `db:"id"`
	Undone bool  `db:"undone"`
}

// MarkUndone flips every entry or none. The rows are locked and checked first,
// so a failure leaves nothing half-updated in the transaction.
func (r *EntryRepo) MarkUndone(ctx context.Context, entryIDs []id.ID, at time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}

	sql, args, err := r.scope.builder.
		Select("id", "undone").
		From(entriesTable).
		Where(r.scope.tenant(entriesTable)).
		Where(squirrel.Eq{"id": entryIDs}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	var states []undoState
	if err := pgxscan.Select(ctx, r.scope.querier(ctx), &states, sql, args...); err != nil {
		return fmt.Errorf("lock entries: %w", err)
	}
	if len(states) != len(entryIDs) {
		return ledger.ErrEntryNotFound
	}
	for _, s := range states {
		if s.Undone {
			return ledger.ErrAlreadyUndone
		}
	}

	sql, args, err = r.markUndoneQuery(entryIDs, at).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := r.scope.querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("mark undone: %w", err)
	}
	if tag.RowsAffected() != int64(len(entryIDs)) {
		return ledger.ErrAlreadyUndone
	}
	return nil
}

func (r *EntryRepo) markUndoneQuery(entryIDs []id.ID, at time.Time) squirrel.UpdateBuilder {
	return r.scope.builder.
		Update(entriesTable).
		Set("undone", true).
		Set("undone_at", at).
		Where(r.scope.tenant(entriesTable)).
		Where(squirrel.Eq{"id": entryIDs}).
		Where(squirrel.Eq{"undone": false})
}

type lotSum struct {
	LotID id.ID `db:"lot_id"`
	Total int64 `db:"total"`
}

func (r *EntryRepo) sumQuery() squirrel.SelectBuilder {
	return r.scope.builder.
		Select("lot_id", "COALESCE(SUM(quantity_delta), 0)::bigint AS total").
		From(entriesTable).
		Where(r.scope.tenant(entriesTable)).
		Where(squirrel.Eq{"undone": false}).
		Where(squirrel.NotEq{"lot_id": nil}).
		GroupBy("lot_id")
}

// SumByLot returns the non-undone delta sum per lot.
func (r *EntryRepo) SumByLot(ctx context.Context) (map[id.ID]types.Quantity, error) {
	sql, args, err := r.sumQuery().ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []lotSum
	if err := pgxscan.Select(ctx, r.scope.querier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("sum entries: %w", err)
	}

	sums := make(map[id.ID]types.Quantity, len(rows))
	for _, row := range rows {
		sums[row.LotID] = types.NewQuantityFromInt64Scaled(row.Total)
	}
	return sums, nil
}

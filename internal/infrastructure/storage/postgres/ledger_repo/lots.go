package ledger_repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/storage/postgres"
)

// LotRepo implements ledger.LotRepository.
type LotRepo struct {
	scope *Scope
}

func (r *LotRepo) baseSelect() squirrel.SelectBuilder {
	return r.scope.builder.
		Select(qualified(lotsTable, lotColumns)...).
		From(lotsTable).
		Where(r.scope.tenant(lotsTable))
}

func qualified(table string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = table + "." + c
	}
	return out
}

func (r *LotRepo) getQuery(lotID id.ID, forUpdate bool) squirrel.SelectBuilder {
	q := r.baseSelect().Where(squirrel.Eq{lotsTable + ".id": lotID})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}
	return q
}

func (r *LotRepo) getOne(ctx context.Context, q squirrel.SelectBuilder) (*ledger.StockLot, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var lot ledger.StockLot
	if err := pgxscan.Get(ctx, r.scope.querier(ctx), &lot, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ledger.ErrLotNotFound
		}
		return nil, fmt.Errorf("get lot: %w", err)
	}
	return &lot, nil
}

// Get returns the lot by id.
func (r *LotRepo) Get(ctx context.Context, lotID id.ID) (*ledger.StockLot, error) {
	return r.getOne(ctx, r.getQuery(lotID, false))
}

// GetForUpdate returns the lot and row-locks it until the transaction ends.
func (r *LotRepo) GetForUpdate(ctx context.Context, lotID id.ID) (*ledger.StockLot, error) {
	return r.getOne(ctx, r.getQuery(lotID, true))
}

func (r *LotRepo) keyQuery(key ledger.LotKey) squirrel.SelectBuilder {
	var location any // untyped nil renders IS NULL
	if key.LocationID != nil {
		location = *key.LocationID
	}
	return r.baseSelect().
		Where(squirrel.Eq{
			lotsTable + ".product_id":         key.ProductID,
			lotsTable + ".location_id":        location,
			lotsTable + ".external_lot_label": key.Label,
		}).
		Suffix("FOR UPDATE")
}

// FindByKeyForUpdate returns (nil, nil) when no lot has key.
func (r *LotRepo) FindByKeyForUpdate(ctx context.Context, key ledger.LotKey) (*ledger.StockLot, error) {
	lot, err := r.getOne(ctx, r.keyQuery(key))
	if errors.Is(err, ledger.ErrLotNotFound) {
		return nil, nil
	}
	return lot, err
}

// withLocation narrows q by a location selector. Subtrees come from the closure table.
func withLocation(q squirrel.SelectBuilder, sel ledger.LocationSelector) squirrel.SelectBuilder {
	col := lotsTable + ".location_id"
	switch {
	case sel.Unlocated:
		return q.Where(squirrel.Eq{col: nil})
	case sel.LocationID == nil:
		return q
	case sel.IncludeDescendants:
		return q.Where(squirrel.Expr(
			col+" IN (SELECT descendant_id FROM "+closureTable+" WHERE ancestor_id = ?)",
			*sel.LocationID))
	}
	return q.Where(squirrel.Eq{col: *sel.LocationID})
}

func (r *LotRepo) availableQuery(productID id.ID, sel ledger.LocationSelector) squirrel.SelectBuilder {
	q := r.baseSelect().
		Where(squirrel.Eq{lotsTable + ".product_id": productID}).
		Where(squirrel.Gt{lotsTable + ".quantity": 0})
	return withLocation(q, sel).
		OrderBy(
			lotsTable+".expiration_date ASC NULLS LAST",
			lotsTable+".created_at ASC",
			lotsTable+".id ASC",
		)
}

// ListAvailable returns lots with stock in FIFO order.
func (r *LotRepo) ListAvailable(ctx context.Context, productID id.ID, sel ledger.LocationSelector) ([]ledger.StockLot, error) {
	return r.selectMany(ctx, r.availableQuery(productID, sel))
}

func (r *LotRepo) listQuery(filter ledger.LotFilter) squirrel.SelectBuilder {
	q := r.baseSelect()
	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{lotsTable + ".product_id": *filter.ProductID})
	}
	if !filter.IncludeEmpty {
		q = q.Where(squirrel.Gt{lotsTable + ".quantity": 0})
	}
	q = withLocation(q, filter.Location).OrderBy(lotsTable + ".id ASC")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return q
}

// List returns lots matching filter in id order.
func (r *LotRepo) List(ctx context.Context, filter ledger.LotFilter) ([]ledger.StockLot, error) {
	return r.selectMany(ctx, r.listQuery(filter))
}

func (r *LotRepo) selectMany(ctx context.Context, q squirrel.SelectBuilder) ([]ledger.StockLot, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var lots []ledger.StockLot
	if err := pgxscan.Select(ctx, r.scope.querier(ctx), &lots, sql, args...); err != nil {
		return nil, fmt.Errorf("select lots: %w", err)
	}
	return lots, nil
}

func (r *LotRepo) insertQuery(lot *ledger.StockLot) squirrel.InsertBuilder {
	return r.scope.builder.Insert(lotsTable).SetMap(postgres.StructToMap(lot))
}

// Insert stores a new lot stamped with the scope tenant.
func (r *LotRepo) Insert(ctx context.Context, lot *ledger.StockLot) error {
	lot.TenantID = r.scope.tenantID

	sql, args, err := r.insertQuery(lot).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.scope.querier(ctx).Exec(ctx, sql, args...); err != nil {
		switch {
		case postgres.IsUniqueViolation(err):
			return ledger.ErrLotExists
		case postgres.IsCheckViolation(err):
			return fmt.Errorf("insert lot %s: %w", lot.ID, ledger.ErrInsufficientQuantity)
		}
		return fmt.Errorf("insert %s: %w", lotsTable, err)
	}
	return nil
}

func (r *LotRepo) applyDeltaQuery(lotID id.ID, delta types.Quantity, now time.Time) squirrel.UpdateBuilder {
	return r.scope.builder.
		Update(lotsTable).
		Set("quantity", squirrel.Expr("quantity + ?", delta)).
		Set("updated_at", now).
		Where(r.scope.tenant(lotsTable)).
		Where(squirrel.Eq{"id": lotID}).
		Where(squirrel.Expr("quantity + ? >= 0", delta)).
		Suffix("RETURNING " + strings.Join(lotColumns, ", "))
}

// ApplyDelta is a compare-and-set on quantity: the row changes only if the
// result stays non-negative, in one statement.
func (r *LotRepo) ApplyDelta(ctx context.Context, lotID id.ID, delta types.Quantity) (*ledger.StockLot, error) {
	sql, args, err := r.applyDeltaQuery(lotID, delta, time.Now().UTC()).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update: %w", err)
	}

	var lot ledger.StockLot
	err = pgxscan.Get(ctx, r.scope.querier(ctx), &lot, sql, args...)
	if err == nil {
		return &lot, nil
	}
	if !pgxscan.NotFound(err) {
		return nil, fmt.Errorf("apply delta: %w", err)
	}

	// No row: either the lot is not visible or the guard rejected the delta.
	if _, err := r.Get(ctx, lotID); err != nil {
		return nil, err
	}
	return nil, ledger.ErrInsufficientQuantity
}

func (r *LotRepo) updateAttributesQuery(lot *ledger.StockLot) squirrel.UpdateBuilder {
	return r.scope.builder.
		Update(lotsTable).
		SetMap(map[string]any{
			"expiration_date": lot.ExpirationDate,
			"purchase_date":   lot.PurchaseDate,
			"unit_price":      lot.UnitPrice,
			"opened":          lot.Opened,
			"opened_date":     lot.OpenedDate,
			"note":            lot.Note,
			"updated_at":      lot.UpdatedAt,
		}).
		Where(r.scope.tenant(lotsTable)).
		Where(squirrel.Eq{"id": lot.ID})
}

// UpdateAttributes writes every attribute except quantity and identity.
func (r *LotRepo) UpdateAttributes(ctx context.Context, lot *ledger.StockLot) error {
	sql, args, err := r.updateAttributesQuery(lot).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.scope.querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", lotsTable, err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrLotNotFound
	}
	return nil
}

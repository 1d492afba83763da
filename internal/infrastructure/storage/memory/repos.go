package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
	"stockbook/internal/domain/ledger"
)

func byID[T any](items []T, key func(T) id.ID) {
	sort.Slice(items, func(i, j int) bool {
		a, b := key(items[i]), key(items[j])
		return bytes.Compare(a[:], b[:]) < 0
	})
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// --- lots ---

type lotRepo struct {
	uow *unitOfWork
}

func (r *lotRepo) Get(_ context.Context, lotID id.ID) (*ledger.StockLot, error) {
	lot, ok := r.uow.p.lots[lotID]
	if !ok {
		return nil, ledger.ErrLotNotFound
	}
	return &lot, nil
}

func (r *lotRepo) GetForUpdate(ctx context.Context, lotID id.ID) (*ledger.StockLot, error) {
	return r.Get(ctx, lotID)
}

func (r *lotRepo) FindByKeyForUpdate(_ context.Context, key ledger.LotKey) (*ledger.StockLot, error) {
	for _, lot := range r.uow.p.lots {
		if sameKey(lot.Key(), key) {
			return &lot, nil
		}
	}
	return nil, nil
}

func sameKey(a, b ledger.LotKey) bool {
	return a.ProductID == b.ProductID && id.EqualPtr(a.LocationID, b.LocationID) && a.Label == b.Label
}

func (r *lotRepo) matches(lot ledger.StockLot, sel ledger.LocationSelector) bool {
	switch {
	case sel.Unlocated:
		return lot.LocationID == nil
	case sel.LocationID == nil:
		return true
	case lot.LocationID == nil:
		return false
	case sel.IncludeDescendants:
		_, ok := r.uow.p.closure[*sel.LocationID][*lot.LocationID]
		return ok
	}
	return *lot.LocationID == *sel.LocationID
}

func (r *lotRepo) ListAvailable(_ context.Context, productID id.ID, sel ledger.LocationSelector) ([]ledger.StockLot, error) {
	var out []ledger.StockLot
	for _, lot := range r.uow.p.lots {
		if lot.ProductID == productID && lot.Quantity.IsPositive() && r.matches(lot, sel) {
			out = append(out, lot)
		}
	}
	ledger.SortFIFO(out)
	return out, nil
}

func (r *lotRepo) List(_ context.Context, filter ledger.LotFilter) ([]ledger.StockLot, error) {
	var out []ledger.StockLot
	for _, lot := range r.uow.p.lots {
		if filter.ProductID != nil && lot.ProductID != *filter.ProductID {
			continue
		}
		if !filter.IncludeEmpty && lot.Quantity.IsZero() {
			continue
		}
		if r.matches(lot, filter.Location) {
			out = append(out, lot)
		}
	}
	byID(out, func(l ledger.StockLot) id.ID { return l.ID })
	return limit(out, filter.Limit), nil
}

func (r *lotRepo) Insert(_ context.Context, lot *ledger.StockLot) error {
	if _, ok := r.uow.p.lots[lot.ID]; ok {
		return ledger.ErrLotExists
	}
	for _, existing := range r.uow.p.lots {
		if sameKey(existing.Key(), lot.Key()) {
			return ledger.ErrLotExists
		}
	}
	if lot.Quantity.IsNegative() {
		return fmt.Errorf("insert lot %s: %w", lot.ID, ledger.ErrInsufficientQuantity)
	}
	lot.TenantID = r.uow.tenantID
	r.uow.p.lots[lot.ID] = *lot
	return nil
}

func (r *lotRepo) ApplyDelta(_ context.Context, lotID id.ID, delta types.Quantity) (*ledger.StockLot, error) {
	lot, ok := r.uow.p.lots[lotID]
	if !ok {
		return nil, ledger.ErrLotNotFound
	}
	if (lot.Quantity + delta).IsNegative() {
		return nil, ledger.ErrInsufficientQuantity
	}
	lot.Quantity += delta
	lot.UpdatedAt = time.Now()
	r.uow.p.lots[lotID] = lot
	return &lot, nil
}

func (r *lotRepo) UpdateAttributes(_ context.Context, lot *ledger.StockLot) error {
	current, ok := r.uow.p.lots[lot.ID]
	if !ok {
		return ledger.ErrLotNotFound
	}
	current.ExpirationDate = lot.ExpirationDate
	current.PurchaseDate = lot.PurchaseDate
	current.UnitPrice = lot.UnitPrice
	current.Opened = lot.Opened
	current.OpenedDate = lot.OpenedDate
	current.Note = lot.Note
	current.UpdatedAt = lot.UpdatedAt
	r.uow.p.lots[lot.ID] = current
	return nil
}

// --- entries ---

type entryRepo struct {
	uow *unitOfWork
}

func (r *entryRepo) Insert(_ context.Context, entries ...*ledger.LedgerEntry) error {
	for _, e := range entries {
		if _, ok := r.uow.p.entries[e.ID]; ok {
			return fmt.Errorf("insert entry %s: duplicate id", e.ID)
		}
		if e.LotID != nil {
			if _, ok := r.uow.p.lots[*e.LotID]; !ok {
				return fmt.Errorf("insert entry %s: %w", e.ID, ledger.ErrLotNotFound)
			}
		}
	}
	for _, e := range entries {
		e.TenantID = r.uow.tenantID
		r.uow.p.entries[e.ID] = *e
	}
	return nil
}

func (r *entryRepo) Get(_ context.Context, entryID id.ID) (*ledger.LedgerEntry, error) {
	e, ok := r.uow.p.entries[entryID]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	return &e, nil
}

func (r *entryRepo) GetForUpdate(ctx context.Context, entryID id.ID) (*ledger.LedgerEntry, error) {
	return r.Get(ctx, entryID)
}

func (r *entryRepo) ListByCorrelation(_ context.Context, correlationID id.ID) ([]ledger.LedgerEntry, error) {
	var out []ledger.LedgerEntry
	for _, e := range r.uow.p.entries {
		if e.CorrelationID != nil && *e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	byID(out, func(e ledger.LedgerEntry) id.ID { return e.ID })
	return out, nil
}

func (r *entryRepo) List(_ context.Context, filter ledger.HistoryFilter) ([]ledger.LedgerEntry, error) {
	kinds := make(map[ledger.OperationKind]bool, len(filter.Kinds))
	for _, k := range filter.Kinds {
		kinds[k] = true
	}

	var out []ledger.LedgerEntry
	for _, e := range r.uow.p.entries {
		switch {
		case !filter.IncludeUndone && e.Undone:
		case filter.LotID != nil && !id.EqualPtr(e.LotID, filter.LotID):
		case filter.ProductID != nil && e.ProductID != *filter.ProductID:
		case filter.CorrelationID != nil && !id.EqualPtr(e.CorrelationID, filter.CorrelationID):
		case len(kinds) > 0 && !kinds[e.Kind]:
		case filter.After != nil && bytes.Compare(e.ID[:], filter.After[:]) <= 0:
		default:
			out = append(out, e)
		}
	}
	byID(out, func(e ledger.LedgerEntry) id.ID { return e.ID })
	return limit(out, filter.Limit), nil
}

func (r *entryRepo) MarkUndone(_ context.Context, entryIDs []id.ID, at time.Time) error {
	for _, entryID := range entryIDs {
		e, ok := r.uow.p.entries[entryID]
		if !ok {
			return ledger.ErrEntryNotFound
		}
		if e.Undone {
			return ledger.ErrAlreadyUndone
		}
	}
	for _, entryID := range entryIDs {
		e := r.uow.p.entries[entryID]
		e.Undone = true
		undoneAt := at
		e.UndoneAt = &undoneAt
		r.uow.p.entries[entryID] = e
	}
	return nil
}

func (r *entryRepo) SumByLot(_ context.Context) (map[id.ID]types.Quantity, error) {
	sums := make(map[id.ID]types.Quantity)
	for _, e := range r.uow.p.entries {
		if e.Undone || e.LotID == nil {
			continue
		}
		sums[*e.LotID] += e.QuantityDelta
	}
	return sums, nil
}

// --- catalog ---

type catalog struct {
	uow *unitOfWork
}

func (c *catalog) Product(_ context.Context, productID id.ID) (*ledger.Product, error) {
	p, ok := c.uow.p.products[productID]
	if !ok {
		return nil, ledger.ErrProductNotFound
	}
	return &p, nil
}

func (c *catalog) LocationExists(_ context.Context, locationID id.ID) (bool, error) {
	_, ok := c.uow.p.locations[locationID]
	return ok, nil
}

// --- idempotency ---

type idempotencyRepo struct {
	uow *unitOfWork
}

func (r *idempotencyRepo) Claim(_ context.Context, rec ledger.IdempotencyRecord) (*ledger.IdempotencyRecord, error) {
	if existing, ok := r.uow.p.idempotency[rec.Key]; ok && existing.ExpiresAt.After(rec.CreatedAt) {
		return &existing, nil
	}
	rec.Response = nil
	r.uow.p.idempotency[rec.Key] = rec
	return nil, nil
}

func (r *idempotencyRepo) Complete(_ context.Context, key string, response []byte) error {
	rec, ok := r.uow.p.idempotency[key]
	if !ok {
		return fmt.Errorf("complete idempotency key %q: not claimed", key)
	}
	rec.Response = append([]byte(nil), response...)
	r.uow.p.idempotency[key] = rec
	return nil
}

func (r *idempotencyRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for key, rec := range r.uow.p.idempotency {
		if !rec.ExpiresAt.After(now) {
			delete(r.uow.p.idempotency, key)
			n++
		}
	}
	return n, nil
}

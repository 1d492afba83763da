package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockbook/internal/core/apperror"
	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
)

// LotAttributes are optional lot attributes supplied with incoming stock.
// Zero values mean "not provided".
type LotAttributes struct {
	ExpirationDate *time.Time
	PurchaseDate   *time.Time
	UnitPrice      types.NullMoney
	Note           string
	Opened         bool
	OpenedDate     *time.Time

	// Merge applies the attributes to a new lot only. An existing lot keeps
	// its own attributes except that it takes the earlier expiration.
	Merge bool
}

// overlay writes provided attributes onto lot and returns the fields it changed.
func (a LotAttributes) overlay(lot *StockLot) []LotField {
	var changed []LotField
	if a.ExpirationDate != nil && !sameDate(lot.ExpirationDate, a.ExpirationDate) {
		lot.ExpirationDate = DatePtr(a.ExpirationDate)
		changed = append(changed, FieldExpirationDate)
	}
	if a.PurchaseDate != nil && !Date(*a.PurchaseDate).Equal(lot.PurchaseDate) {
		lot.PurchaseDate = Date(*a.PurchaseDate)
		changed = append(changed, FieldPurchaseDate)
	}
	if a.UnitPrice.Valid && (!lot.UnitPrice.Valid || !lot.UnitPrice.Decimal.Equal(a.UnitPrice.Decimal)) {
		lot.UnitPrice = a.UnitPrice
		changed = append(changed, FieldUnitPrice)
	}
	if a.Note != "" && a.Note != lot.Note {
		lot.Note = a.Note
		changed = append(changed, FieldNote)
	}
	if a.Opened && !lot.Opened {
		lot.Opened = true
		changed = append(changed, FieldOpened)
	}
	if a.OpenedDate != nil && !sameDate(lot.OpenedDate, a.OpenedDate) {
		lot.OpenedDate = DatePtr(a.OpenedDate)
		changed = append(changed, FieldOpenedDate)
	}
	return changed
}

// merge lowers lot's expiration to the incoming one when that is earlier.
// A nil expiration never expires, so it never wins.
func (a LotAttributes) merge(lot *StockLot) []LotField {
	if a.ExpirationDate == nil {
		return nil
	}
	if lot.ExpirationDate != nil && !Date(*a.ExpirationDate).Before(*lot.ExpirationDate) {
		return nil
	}
	lot.ExpirationDate = DatePtr(a.ExpirationDate)
	return []LotField{FieldExpirationDate}
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Date(*a).Equal(Date(*b))
}

// LotStore finds, creates and adjusts lots within one unit of work.
type LotStore struct {
	repo LotRepository
	now  func() time.Time
}

func newLotStore(repo LotRepository, now func() time.Time) *LotStore {
	return &LotStore{repo: repo, now: now}
}

// Get returns the lot for key, locked, or nil when there is none.
func (s *LotStore) Get(ctx context.Context, key LotKey) (*StockLot, error) {
	return s.repo.FindByKeyForUpdate(ctx, key)
}

// ByID returns the lot locked for update.
func (s *LotStore) ByID(ctx context.Context, lotID id.ID) (*StockLot, error) {
	lot, err := s.repo.GetForUpdate(ctx, lotID)
	if errors.Is(err, ErrLotNotFound) {
		return nil, apperror.NewNotFound("lot", lotID)
	}
	return lot, err
}

// GetForConsumption returns lots with stock for productID in FIFO order.
func (s *LotStore) GetForConsumption(ctx context.Context, productID id.ID, sel LocationSelector) ([]StockLot, error) {
	lots, err := s.repo.ListAvailable(ctx, productID, sel)
	if err != nil {
		return nil, err
	}
	SortFIFO(lots)
	return lots, nil
}

// CreateOrIncrement adds delta to the lot matching key, creating it when absent.
// It returns the lot after the change and a snapshot of every attribute it
// replaced on an existing lot (nil for a new lot).
func (s *LotStore) CreateOrIncrement(ctx context.Context, key LotKey, delta types.Quantity, attrs LotAttributes) (*StockLot, Snapshot, error) {
	// One retry covers a concurrent insert of the same key.
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.repo.FindByKeyForUpdate(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			return s.increment(ctx, existing, delta, attrs)
		}

		if !delta.IsPositive() {
			return nil, nil, apperror.NewInvalidOperation(apperror.ReasonEmptyLot,
				"a lot can only be created with a positive quantity")
		}
		lot := s.newLot(key, delta, attrs)
		err = s.repo.Insert(ctx, lot)
		if errors.Is(err, ErrLotExists) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return lot, nil, nil
	}
	return nil, nil, fmt.Errorf("create lot: %w", ErrLotExists)
}

func (s *LotStore) increment(ctx context.Context, lot *StockLot, delta types.Quantity, attrs LotAttributes) (*StockLot, Snapshot, error) {
	var previous Snapshot
	updated := *lot
	var changed []LotField
	if attrs.Merge {
		changed = attrs.merge(&updated)
	} else {
		changed = attrs.overlay(&updated)
	}
	if len(changed) > 0 {
		snap, err := captureChange(lot, &updated, changed...)
		if err != nil {
			return nil, nil, err
		}
		previous = snap
		updated.UpdatedAt = s.now()
		if err := s.repo.UpdateAttributes(ctx, &updated); err != nil {
			return nil, nil, err
		}
	}
	result, err := s.ApplyDelta(ctx, lot.ID, delta)
	if err != nil {
		return nil, nil, err
	}
	return result, previous, nil
}

func (s *LotStore) newLot(key LotKey, qty types.Quantity, attrs LotAttributes) *StockLot {
	now := s.now()
	lot := &StockLot{
		ID:               id.New(),
		ProductID:        key.ProductID,
		LocationID:       key.LocationID,
		Quantity:         qty,
		PurchaseDate:     Date(now),
		ExternalLotLabel: key.Label,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	attrs.overlay(lot)
	return lot
}

// ApplyDelta adjusts a lot's quantity with a conditional update.
// A result below zero fails with InsufficientStock and changes nothing.
func (s *LotStore) ApplyDelta(ctx context.Context, lotID id.ID, delta types.Quantity) (*StockLot, error) {
	lot, err := s.repo.ApplyDelta(ctx, lotID, delta)
	switch {
	case errors.Is(err, ErrLotNotFound):
		return nil, apperror.NewNotFound("lot", lotID)
	case errors.Is(err, ErrInsufficientQuantity):
		productID, available := "", types.Quantity(0)
		if current, getErr := s.repo.Get(ctx, lotID); getErr == nil {
			productID, available = current.ProductID.String(), current.Quantity
		}
		return nil, apperror.NewInsufficientStock(productID, delta.Abs().String(), available.String()).
			WithDetail("lot_id", lotID.String()).
			WithCause(err)
	case err != nil:
		return nil, err
	}
	return lot, nil
}

// UpdateAttributes persists non-quantity changes.
func (s *LotStore) UpdateAttributes(ctx context.Context, lot *StockLot) error {
	lot.UpdatedAt = s.now()
	return s.repo.UpdateAttributes(ctx, lot)
}

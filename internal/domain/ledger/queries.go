package ledger

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"stockbook/internal/core/apperror"
	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// read runs fn in a read-only unit of work for a resolved tenant.
func (s *Service) read(ctx context.Context, tenantID id.ID, fn func(ctx context.Context, uow UnitOfWork) error) error {
	if err := s.resolveTenant(ctx, tenantID); err != nil {
		return translate(err)
	}
	return translate(s.store.ReadScoped(ctx, tenantID, fn))
}

// GetLot returns one lot.
func (s *Service) GetLot(ctx context.Context, tenantID, lotID id.ID) (*StockLot, error) {
	var lot *StockLot
	err := s.read(ctx, tenantID, func(ctx context.Context, uow UnitOfWork) error {
		l, err := uow.Lots().Get(ctx, lotID)
		if errors.Is(err, ErrLotNotFound) {
			return apperror.NewNotFound("lot", lotID)
		}
		lot = l
		return err
	})
	return lot, err
}

// ListLots returns lots matching filter. Depleted lots are skipped unless IncludeEmpty is set.
func (s *Service) ListLots(ctx context.Context, tenantID id.ID, filter LotFilter) ([]StockLot, error) {
	filter.Limit = clampLimit(filter.Limit)
	var lots []StockLot
	err := s.read(ctx, tenantID, func(ctx context.Context, uow UnitOfWork) error {
		var err error
		lots, err = uow.Lots().List(ctx, filter)
		return err
	})
	return lots, err
}

// GetEntry returns one ledger entry.
func (s *Service) GetEntry(ctx context.Context, tenantID, entryID id.ID) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := s.read(ctx, tenantID, func(ctx context.Context, uow UnitOfWork) error {
		e, err := uow.Entries().Get(ctx, entryID)
		if errors.Is(err, ErrEntryNotFound) {
			return apperror.NewNotFound("ledger_entry", entryID)
		}
		entry = e
		return err
	})
	return entry, err
}

// History returns entries in id order, starting after filter.After.
func (s *Service) History(ctx context.Context, tenantID id.ID, filter HistoryFilter) ([]LedgerEntry, error) {
	filter.Limit = clampLimit(filter.Limit)
	for _, k := range filter.Kinds {
		if !k.Valid() {
			return nil, apperror.NewValidation("unknown operation kind").WithDetail("kind", string(k))
		}
	}
	var entries []LedgerEntry
	err := s.read(ctx, tenantID, func(ctx context.Context, uow UnitOfWork) error {
		var err error
		entries, err = uow.Entries().List(ctx, filter)
		return err
	})
	return entries, err
}

// Reconcile checks that every lot's quantity equals the sum of its
// non-undone entries and returns the lots where it does not.
func (s *Service) Reconcile(ctx context.Context, tenantID id.ID) ([]Mismatch, error) {
	var mismatches []Mismatch
	err := s.read(ctx, tenantID, func(ctx context.Context, uow UnitOfWork) error {
		sums, err := uow.Entries().SumByLot(ctx)
		if err != nil {
			return err
		}
		lots, err := uow.Lots().List(ctx, LotFilter{IncludeEmpty: true})
		if err != nil {
			return err
		}

		seen := make(map[id.ID]bool, len(lots))
		for _, lot := range lots {
			seen[lot.ID] = true
			if sum := sums[lot.ID]; sum != lot.Quantity {
				mismatches = append(mismatches, Mismatch{LotID: lot.ID, Quantity: lot.Quantity, Ledger: sum})
			}
		}
		// Entries pointing at lots that no longer resolve.
		for lotID, sum := range sums {
			if !seen[lotID] && !sum.IsZero() {
				mismatches = append(mismatches, Mismatch{LotID: lotID, Quantity: types.Quantity(0), Ledger: sum})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(mismatches, func(i, j int) bool {
		return bytes.Compare(mismatches[i].LotID[:], mismatches[j].LotID[:]) < 0
	})
	if len(mismatches) > 0 {
		s.log.WithContext(ctx).Warnw("ledger drift detected",
			"tenant_id", tenantID.String(), "lots", len(mismatches))
	}
	return mismatches, nil
}

// PurgeExpiredKeys deletes the tenant's idempotency records that have expired.
func (s *Service) PurgeExpiredKeys(ctx context.Context, tenantID id.ID) (int64, error) {
	if err := s.resolveTenant(ctx, tenantID); err != nil {
		return 0, translate(err)
	}
	var n int64
	err := s.store.Scoped(ctx, tenantID, func(ctx context.Context, uow UnitOfWork) error {
		var err error
		n, err = uow.Idempotency().DeleteExpired(ctx, s.now().UTC())
		return err
	})
	return n, translate(err)
}

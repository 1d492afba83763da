package ledger

import (
	"context"
	"errors"

	"stockbook/internal/core/apperror"
	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
)

// Add increments (or creates) the lot identified by product, location and label.
func (s *Service) Add(ctx context.Context, tenantID id.ID, in AddInput) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	m := mutation{op: OpAdd, key: in.IdempotencyKey, input: in, tenantID: tenantID}
	return s.mutate(ctx, m, func(ctx context.Context, w *work) (*Result, error) {
		if err := s.requireProduct(ctx, w, in.ProductID); err != nil {
			return nil, err
		}
		if err := s.requireLocation(ctx, w, in.LocationID); err != nil {
			return nil, err
		}

		key := LotKey{ProductID: in.ProductID, LocationID: in.LocationID, Label: in.LotLabel}
		lot, previous, err := w.lots.CreateOrIncrement(ctx, key, in.Quantity, LotAttributes{
			ExpirationDate: in.ExpirationDate,
			PurchaseDate:   in.PurchaseDate,
			UnitPrice:      in.UnitPrice,
			Note:           in.Note,
		})
		if err != nil {
			return nil, err
		}

		entry := &LedgerEntry{
			LotID:         id.Ptr(lot.ID),
			ProductID:     in.ProductID,
			Kind:          KindAdd,
			QuantityDelta: in.Quantity,
			ToLocationID:  in.LocationID,
			Note:          in.Note,
			Snapshot:      previous,
		}
		if err := w.audit.Append(ctx, entry); err != nil {
			return nil, err
		}
		return &Result{Entries: []LedgerEntry{*entry}, Lots: []StockLot{*lot}}, nil
	})
}

// Consume removes quantity from the product's lots, soonest expiration first.
// A nil location draws from every location, unlocated lots included.
func (s *Service) Consume(ctx context.Context, tenantID id.ID, in ConsumeInput) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	m := mutation{op: OpConsume, key: in.IdempotencyKey, input: in, tenantID: tenantID}
	return s.mutate(ctx, m, func(ctx context.Context, w *work) (*Result, error) {
		if err := s.requireProduct(ctx, w, in.ProductID); err != nil {
			return nil, err
		}
		if err := s.requireLocation(ctx, w, in.LocationID); err != nil {
			return nil, err
		}

		sel := LocationSelector{LocationID: in.LocationID, IncludeDescendants: in.IncludeDescendants}
		draws, err := s.plan(ctx, w, in.ProductID, sel, in.Quantity)
		if err != nil {
			return nil, err
		}

		entries := make([]*LedgerEntry, 0, len(draws))
		lots := make([]StockLot, 0, len(draws))
		for _, d := range draws {
			lot, err := w.lots.ApplyDelta(ctx, d.Lot.ID, d.Amount.Neg())
			if err != nil {
				return nil, err
			}
			lots = append(lots, *lot)
			entries = append(entries, &LedgerEntry{
				LotID:          id.Ptr(lot.ID),
				ProductID:      in.ProductID,
				Kind:           KindConsume,
				QuantityDelta:  d.Amount.Neg(),
				FromLocationID: lot.LocationID,
				Note:           in.Note,
				Spoiled:        in.Spoiled,
			})
		}

		correlationID, err := w.audit.AppendAll(ctx, entries...)
		if err != nil {
			return nil, err
		}
		return &Result{CorrelationID: correlationID, Entries: deref(entries), Lots: lots}, nil
	})
}

// Transfer moves quantity between two locations. Source lots are drawn in
// FIFO order; each keeps its label and, for a new destination lot, its
// attributes. An existing destination lot keeps its own, with the earlier expiration.
func (s *Service) Transfer(ctx context.Context, tenantID id.ID, in TransferInput) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	m := mutation{op: OpTransfer, key: in.IdempotencyKey, input: in, tenantID: tenantID}
	return s.mutate(ctx, m, func(ctx context.Context, w *work) (*Result, error) {
		if err := s.requireProduct(ctx, w, in.ProductID); err != nil {
			return nil, err
		}
		if err := s.requireLocation(ctx, w, in.FromLocationID); err != nil {
			return nil, err
		}
		if err := s.requireLocation(ctx, w, in.ToLocationID); err != nil {
			return nil, err
		}

		draws, err := s.plan(ctx, w, in.ProductID, AtLocation(in.FromLocationID), in.Quantity)
		if err != nil {
			return nil, err
		}

		entries := make([]*LedgerEntry, 0, 2*len(draws))
		lots := make([]StockLot, 0, 2*len(draws))
		for _, d := range draws {
			outEntry, inEntry, src, dst, err := s.move(ctx, w, &d.Lot, in.ToLocationID, d.Amount, attributesOf(&d.Lot))
			if err != nil {
				return nil, err
			}
			outEntry.Note, inEntry.Note = in.Note, in.Note
			entries = append(entries, outEntry, inEntry)
			lots = append(lots, *src, *dst)
		}

		correlationID, err := w.audit.AppendCorrelated(ctx, entries...)
		if err != nil {
			return nil, err
		}
		return &Result{CorrelationID: &correlationID, Entries: deref(entries), Lots: lots}, nil
	})
}

// Correct sets the quantity of the lot identified by product, location and
// label. An unchanged amount still records a zero-delta correction.
func (s *Service) Correct(ctx context.Context, tenantID id.ID, in CorrectInput) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	m := mutation{op: OpCorrect, key: in.IdempotencyKey, input: in, tenantID: tenantID}
	return s.mutate(ctx, m, func(ctx context.Context, w *work) (*Result, error) {
		if err := s.requireProduct(ctx, w, in.ProductID); err != nil {
			return nil, err
		}
		if err := s.requireLocation(ctx, w, in.LocationID); err != nil {
			return nil, err
		}

		key := LotKey{ProductID: in.ProductID, LocationID: in.LocationID, Label: in.LotLabel}
		existing, err := w.lots.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		var (
			lot   *StockLot
			delta types.Quantity
		)
		if existing == nil {
			if !in.NewAmount.IsPositive() {
				return nil, apperror.NewInvalidOperation(apperror.ReasonEmptyLot,
					"cannot correct a lot that does not exist to a non-positive amount").
					WithDetail("product_id", in.ProductID.String())
			}
			lot, _, err = w.lots.CreateOrIncrement(ctx, key, in.NewAmount, LotAttributes{})
			if err != nil {
				return nil, err
			}
			delta = in.NewAmount
		} else {
			lot = existing
			delta = in.NewAmount - existing.Quantity
			if !delta.IsZero() {
				if lot, err = w.lots.ApplyDelta(ctx, existing.ID, delta); err != nil {
					return nil, err
				}
			}
		}

		entry := &LedgerEntry{
			LotID:         id.Ptr(lot.ID),
			ProductID:     in.ProductID,
			Kind:          KindCorrection,
			QuantityDelta: delta,
			ToLocationID:  in.LocationID,
			Note:          in.Note,
		}
		if err := w.audit.Append(ctx, entry); err != nil {
			return nil, err
		}
		return &Result{Entries: []LedgerEntry{*entry}, Lots: []StockLot{*lot}}, nil
	})
}

// Open marks a lot as opened. With a days-after-open setting the expiration
// becomes the earlier of the current one and today plus that many days.
// When the product has a default consume location elsewhere, the whole lot
// moves there and every entry shares one correlation id. Moving into stock
// already at that location never marks it opened and never extends its expiration.
func (s *Service) Open(ctx context.Context, tenantID id.ID, in OpenInput) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	m := mutation{op: OpOpen, key: in.IdempotencyKey, input: in, tenantID: tenantID}
	return s.mutate(ctx, m, func(ctx context.Context, w *work) (*Result, error) {
		lot, err := w.lots.ByID(ctx, in.LotID)
		if err != nil {
			return nil, err
		}
		if lot.Opened {
			return nil, apperror.NewInvalidOperation(apperror.ReasonAlreadyOpened, "lot is already opened").
				WithDetail("lot_id", lot.ID.String())
		}
		if lot.Quantity.IsZero() {
			return nil, apperror.NewInvalidOperation(apperror.ReasonEmptyLot, "cannot open an empty lot").
				WithDetail("lot_id", lot.ID.String())
		}

		product, err := s.product(ctx, w, lot.ProductID)
		if err != nil {
			return nil, err
		}

		original := *lot
		today := Date(s.now())
		lot.Opened = true
		lot.OpenedDate = &today
		if product.DaysAfterOpen != nil {
			limit := today.AddDate(0, 0, *product.DaysAfterOpen)
			if lot.ExpirationDate == nil || limit.Before(*lot.ExpirationDate) {
				lot.ExpirationDate = &limit
			}
		}
		before, err := captureChange(&original, lot, FieldOpened, FieldOpenedDate, FieldExpirationDate)
		if err != nil {
			return nil, err
		}
		if err := w.lots.UpdateAttributes(ctx, lot); err != nil {
			return nil, err
		}

		opened := &LedgerEntry{
			LotID:          id.Ptr(lot.ID),
			ProductID:      lot.ProductID,
			Kind:           KindOpened,
			FromLocationID: lot.LocationID,
			Note:           in.Note,
			Snapshot:       before,
		}

		target, err := s.openTarget(ctx, w, lot, product, in.StayInPlace)
		if err != nil {
			return nil, err
		}
		if target == nil {
			if err := w.audit.Append(ctx, opened); err != nil {
				return nil, err
			}
			return &Result{Entries: []LedgerEntry{*opened}, Lots: []StockLot{*lot}}, nil
		}

		outEntry, inEntry, src, dst, err := s.move(ctx, w, lot, target, lot.Quantity, attributesOf(lot))
		if err != nil {
			return nil, err
		}
		outEntry.Note, inEntry.Note = in.Note, in.Note
		entries := []*LedgerEntry{opened, outEntry, inEntry}
		correlationID, err := w.audit.AppendCorrelated(ctx, entries...)
		if err != nil {
			return nil, err
		}
		return &Result{CorrelationID: &correlationID, Entries: deref(entries), Lots: []StockLot{*src, *dst}}, nil
	})
}

// openTarget returns the location an opened lot moves to, or nil to stay.
func (s *Service) openTarget(ctx context.Context, w *work, lot *StockLot, product *Product, stay bool) (*id.ID, error) {
	target := product.DefaultConsumeLocationID
	if stay || target == nil || id.EqualPtr(lot.LocationID, target) {
		return nil, nil
	}
	ok, err := w.catalog.LocationExists(ctx, *target)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.WithContext(ctx).Warnw("default consume location not found, lot stays in place",
			"product_id", product.ID.String(), "location_id", target.String())
		return nil, nil
	}
	return target, nil
}

// Edit changes lot attributes and, optionally, its quantity. The change is
// recorded as a correlated edit_before/edit_after pair; the quantity delta is
// carried by edit_after.
func (s *Service) Edit(ctx context.Context, tenantID id.ID, in EditInput) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	m := mutation{op: OpEdit, key: in.IdempotencyKey, input: in, tenantID: tenantID}
	return s.mutate(ctx, m, func(ctx context.Context, w *work) (*Result, error) {
		lot, err := w.lots.ByID(ctx, in.LotID)
		if err != nil {
			return nil, err
		}

		updated := *lot
		changed := in.Patch.apply(&updated)
		if len(changed) == 0 {
			return nil, apperror.NewInvalidOperation(apperror.ReasonNoChanges, "edit changes nothing").
				WithDetail("lot_id", lot.ID.String())
		}

		before, err := captureChange(lot, &updated, changed...)
		if err != nil {
			return nil, err
		}
		after, err := captureFields(&updated, changed...)
		if err != nil {
			return nil, err
		}

		delta := updated.Quantity - lot.Quantity
		if onlyQuantity := len(changed) == 1 && changed[0] == FieldQuantity; !onlyQuantity {
			updated.Quantity = lot.Quantity
			if err := w.lots.UpdateAttributes(ctx, &updated); err != nil {
				return nil, err
			}
		}
		result := &updated
		if !delta.IsZero() {
			if result, err = w.lots.ApplyDelta(ctx, lot.ID, delta); err != nil {
				return nil, err
			}
		}

		entries := []*LedgerEntry{
			{
				LotID:          id.Ptr(lot.ID),
				ProductID:      lot.ProductID,
				Kind:           KindEditBefore,
				FromLocationID: lot.LocationID,
				Note:           in.Note,
				Snapshot:       before,
			},
			{
				LotID:          id.Ptr(lot.ID),
				ProductID:      lot.ProductID,
				Kind:           KindEditAfter,
				QuantityDelta:  delta,
				FromLocationID: lot.LocationID,
				Note:           in.Note,
				Snapshot:       after,
			},
		}
		correlationID, err := w.audit.AppendCorrelated(ctx, entries...)
		if err != nil {
			return nil, err
		}
		return &Result{CorrelationID: &correlationID, Entries: deref(entries), Lots: []StockLot{*result}}, nil
	})
}

// Undo reverses an entry together with its correlation group.
func (s *Service) Undo(ctx context.Context, tenantID id.ID, in UndoInput) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	m := mutation{op: OpUndo, key: in.IdempotencyKey, input: in, tenantID: tenantID}
	return s.mutate(ctx, m, func(ctx context.Context, w *work) (*Result, error) {
		undone, err := w.audit.Undo(ctx, in.EntryID)
		if err != nil {
			return nil, err
		}
		return &Result{CorrelationID: undone.CorrelationID, Entries: undone.Entries, Lots: undone.Lots}, nil
	})
}

// plan lists candidate lots and runs the FIFO planner over them.
func (s *Service) plan(ctx context.Context, w *work, productID id.ID, sel LocationSelector, qty types.Quantity) ([]Draw, error) {
	candidates, err := w.lots.GetForConsumption(ctx, productID, sel)
	if err != nil {
		return nil, err
	}
	draws, err := PlanConsumption(candidates, qty)
	var shortfall *ShortfallError
	if errors.As(err, &shortfall) {
		return nil, apperror.NewInsufficientStock(productID.String(),
			shortfall.Requested.String(), shortfall.Available.String())
	}
	return draws, err
}

// move takes amount out of src and into the lot keyed by (product, to, src label).
// It returns the unsaved transfer_out/transfer_in entries and both lots after the move.
func (s *Service) move(ctx context.Context, w *work, src *StockLot, to *id.ID, amount types.Quantity, attrs LotAttributes) (out, in *LedgerEntry, from, dst *StockLot, err error) {
	from, err = w.lots.ApplyDelta(ctx, src.ID, amount.Neg())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	key := LotKey{ProductID: src.ProductID, LocationID: to, Label: src.ExternalLotLabel}
	dst, previous, err := w.lots.CreateOrIncrement(ctx, key, amount, attrs)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	out = &LedgerEntry{
		LotID:          id.Ptr(from.ID),
		ProductID:      src.ProductID,
		Kind:           KindTransferOut,
		QuantityDelta:  amount.Neg(),
		FromLocationID: src.LocationID,
		ToLocationID:   to,
	}
	in = &LedgerEntry{
		LotID:          id.Ptr(dst.ID),
		ProductID:      src.ProductID,
		Kind:           KindTransferIn,
		QuantityDelta:  amount,
		FromLocationID: src.LocationID,
		ToLocationID:   to,
		Snapshot:       previous,
	}
	return out, in, from, dst, nil
}

// attributesOf copies the attributes a lot carries to its destination.
// Merging into an existing lot only ever shortens its expiration.
func attributesOf(lot *StockLot) LotAttributes {
	purchase := lot.PurchaseDate
	return LotAttributes{
		ExpirationDate: lot.ExpirationDate,
		PurchaseDate:   &purchase,
		UnitPrice:      lot.UnitPrice,
		Note:           lot.Note,
		Opened:         lot.Opened,
		OpenedDate:     lot.OpenedDate,
		Merge:          true,
	}
}

func deref(entries []*LedgerEntry) []LedgerEntry {
	out := make([]LedgerEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"stockbook/internal/core/apperror"
	"stockbook/internal/core/id"
)

// AuditTrail appends ledger entries and reverses them.
type AuditTrail struct {
	entries  EntryRepository
	lots     *LotStore
	tenantID id.ID
	now      func() time.Time
}

func newAuditTrail(entries EntryRepository, lots *LotStore, tenantID id.ID, now func() time.Time) *AuditTrail {
	return &AuditTrail{entries: entries, lots: lots, tenantID: tenantID, now: now}
}

func (a *AuditTrail) stamp(e *LedgerEntry, at time.Time) {
	if id.IsNil(e.ID) {
		e.ID = id.New()
	}
	e.TenantID = a.tenantID
	e.CreatedAt = at
	e.Undone = false
	e.UndoneAt = nil
}

// Append records one uncorrelated entry.
func (a *AuditTrail) Append(ctx context.Context, e *LedgerEntry) error {
	a.stamp(e, a.now())
	if err := a.entries.Insert(ctx, e); err != nil {
		return fmt.Errorf("append %s entry: %w", e.Kind, err)
	}
	return nil
}

// AppendCorrelated records two or more entries under a fresh correlation id.
func (a *AuditTrail) AppendCorrelated(ctx context.Context, entries ...*LedgerEntry) (id.ID, error) {
	if len(entries) < 2 {
		return id.Nil(), fmt.Errorf("correlated append needs at least 2 entries, got %d", len(entries))
	}
	correlationID := id.New()
	at := a.now()
	for _, e := range entries {
		a.stamp(e, at)
		e.CorrelationID = id.Ptr(correlationID)
	}
	if err := a.entries.Insert(ctx, entries...); err != nil {
		return id.Nil(), fmt.Errorf("append correlated entries: %w", err)
	}
	return correlationID, nil
}

// AppendAll records entries, correlating them when there is more than one.
func (a *AuditTrail) AppendAll(ctx context.Context, entries ...*LedgerEntry) (*id.ID, error) {
	if len(entries) == 1 {
		return nil, a.Append(ctx, entries[0])
	}
	correlationID, err := a.AppendCorrelated(ctx, entries...)
	if err != nil {
		return nil, err
	}
	return &correlationID, nil
}

// UndoResult holds the entries flipped by Undo and the lots they touched.
type UndoResult struct {
	CorrelationID *id.ID
	Entries       []LedgerEntry
	Lots          []StockLot
}

// Undo reverses the correlation group of entryID: the entry itself, or every
// non-undone entry sharing its correlation id. Quantities are reversed through
// conditional updates. Snapshotted attributes are written back only while the
// lot still holds the values the entry wrote; a later change fails the undo
// as superseded. Any failure
// leaves the whole group untouched once the unit of work is discarded.
func (a *AuditTrail) Undo(ctx context.Context, entryID id.ID) (*UndoResult, error) {
	target, err := a.entries.GetForUpdate(ctx, entryID)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, apperror.NewNotFound("ledger_entry", entryID)
	}
	if err != nil {
		return nil, err
	}
	if target.Undone {
		return nil, apperror.NewAlreadyUndone(entryID)
	}

	group := []LedgerEntry{*target}
	if target.CorrelationID != nil {
		correlated, err := a.entries.ListByCorrelation(ctx, *target.CorrelationID)
		if err != nil {
			return nil, err
		}
		group = group[:0]
		for _, e := range correlated {
			if !e.Undone {
				group = append(group, e)
			}
		}
	}
	sort.Slice(group, func(i, j int) bool { return bytes.Compare(group[i].ID[:], group[j].ID[:]) < 0 })

	touched := make([]id.ID, 0, len(group))
	seen := make(map[id.ID]bool, len(group))
	for _, e := range group {
		if e.LotID == nil {
			continue
		}
		if !seen[*e.LotID] {
			seen[*e.LotID] = true
			touched = append(touched, *e.LotID)
		}
		if err := a.reverse(ctx, e); err != nil {
			return nil, err
		}
	}

	at := a.now()
	ids := make([]id.ID, len(group))
	for i := range group {
		ids[i] = group[i].ID
		group[i].Undone = true
		group[i].UndoneAt = &at
	}
	if err := a.entries.MarkUndone(ctx, ids, at); err != nil {
		if errors.Is(err, ErrAlreadyUndone) {
			return nil, apperror.NewAlreadyUndone(entryID)
		}
		return nil, fmt.Errorf("mark undone: %w", err)
	}

	lots := make([]StockLot, 0, len(touched))
	for _, lotID := range touched {
		lot, err := a.lots.ByID(ctx, lotID)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}

	return &UndoResult{CorrelationID: target.CorrelationID, Entries: group, Lots: lots}, nil
}

// reverse undoes the effect of one entry on its lot.
func (a *AuditTrail) reverse(ctx context.Context, e LedgerEntry) error {
	if !e.QuantityDelta.IsZero() {
		if _, err := a.lots.ApplyDelta(ctx, *e.LotID, e.QuantityDelta.Neg()); err != nil {
			return err
		}
	}
	if len(e.Snapshot) == 0 || !e.Kind.restoresOnUndo() {
		return nil
	}
	lot, err := a.lots.ByID(ctx, *e.LotID)
	if err != nil {
		return err
	}
	field, changed, err := supersededField(lot, e.Snapshot)
	if err != nil {
		return err
	}
	if changed {
		return apperror.NewSuperseded(e.ID, string(field)).WithDetail("lot_id", lot.ID.String())
	}
	if err := restoreAttributes(lot, e.Snapshot); err != nil {
		return err
	}
	return a.lots.UpdateAttributes(ctx, lot)
}

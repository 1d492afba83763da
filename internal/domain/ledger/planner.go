package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"stockbook/internal/core/types"
)

// ShortfallError reports that candidate lots cannot cover a request.
type ShortfallError struct {
	Requested types.Quantity
	Available types.Quantity
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("requested %s, available %s", e.Requested, e.Available)
}

// PlanConsumption picks lots to satisfy requested, soonest expiration first.
// Lots without expiration go last. Candidates are not modified; on shortfall
// no draws are returned.
func PlanConsumption(candidates []StockLot, requested types.Quantity) ([]Draw, error) {
	if !requested.IsPositive() {
		return nil, fmt.Errorf("plan consumption: requested quantity must be positive, got %s", requested)
	}

	lots := make([]StockLot, 0, len(candidates))
	var available types.Quantity
	for _, lot := range candidates {
		if lot.Quantity.IsPositive() {
			lots = append(lots, lot)
			available += lot.Quantity
		}
	}
	if available < requested {
		return nil, &ShortfallError{Requested: requested, Available: available}
	}

	SortFIFO(lots)

	draws := make([]Draw, 0, len(lots))
	remaining := requested
	for _, lot := range lots {
		if remaining.IsZero() {
			break
		}
		take := types.MinQuantity(remaining, lot.Quantity)
		draws = append(draws, Draw{Lot: lot, Amount: take})
		remaining -= take
	}
	return draws, nil
}

// SortFIFO orders lots by expiration ascending with nil expirations last.
// Ties fall back to creation time and then id so the order is total.
func SortFIFO(lots []StockLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpirationDate == nil && b.ExpirationDate != nil:
			return false
		case a.ExpirationDate != nil && b.ExpirationDate == nil:
			return true
		case a.ExpirationDate != nil && !a.ExpirationDate.Equal(*b.ExpirationDate):
			return a.ExpirationDate.Before(*b.ExpirationDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
}

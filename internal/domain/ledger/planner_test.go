package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func lot(qty int64, exp *time.Time) StockLot {
	return StockLot{ID: id.New(), Quantity: types.NewQuantity(qty), ExpirationDate: exp}
}

func TestPlanConsumptionFIFOByExpiration(t *testing.T) {
	jan := lot(2, date(2026, 1, 1))
	mar := lot(2, date(2026, 3, 1))
	none := lot(2, nil)

	// Input order must not matter.
	draws, err := PlanConsumption([]StockLot{none, mar, jan}, types.NewQuantity(3))
	require.NoError(t, err)
	require.Len(t, draws, 2)

	assert.Equal(t, jan.ID, draws[0].Lot.ID)
	assert.Equal(t, types.NewQuantity(2), draws[0].Amount)
	assert.Equal(t, mar.ID, draws[1].Lot.ID)
	assert.Equal(t, types.NewQuantity(1), draws[1].Amount)
}

func TestPlanConsumptionNilExpirationLast(t *testing.T) {
	none := lot(5, nil)
	late := lot(1, date(2030, 1, 1))

	draws, err := PlanConsumption([]StockLot{none, late}, types.NewQuantity(2))
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, late.ID, draws[0].Lot.ID)
	assert.Equal(t, none.ID, draws[1].Lot.ID)
	assert.Equal(t, types.NewQuantity(1), draws[1].Amount)
}

func TestPlanConsumptionShortfallTakesNothing(t *testing.T) {
	candidates := []StockLot{lot(4, nil), lot(2, date(2026, 1, 1))}

	draws, err := PlanConsumption(candidates, types.NewQuantity(10))
	assert.Nil(t, draws)

	var shortfall *ShortfallError
	require.True(t, errors.As(err, &shortfall))
	assert.Equal(t, types.NewQuantity(10), shortfall.Requested)
	assert.Equal(t, types.NewQuantity(6), shortfall.Available)

	// Candidates are untouched.
	assert.Equal(t, types.NewQuantity(4), candidates[0].Quantity)
	assert.Equal(t, types.NewQuantity(2), candidates[1].Quantity)
}

func TestPlanConsumptionSkipsEmptyLots(t *testing.T) {
	empty := lot(0, date(2025, 1, 1))
	full := lot(3, date(2027, 1, 1))

	draws, err := PlanConsumption([]StockLot{empty, full}, types.NewQuantity(3))
	require.NoError(t, err)
	require.Len(t, draws, 1)
	assert.Equal(t, full.ID, draws[0].Lot.ID)
}

func TestPlanConsumptionRejectsNonPositive(t *testing.T) {
	_, err := PlanConsumption([]StockLot{lot(1, nil)}, 0)
	assert.Error(t, err)
}

func TestSortFIFOTieBreaksOnCreation(t *testing.T) {
	exp := date(2026, 6, 1)
	older := lot(1, exp)
	older.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := lot(1, exp)
	newer.CreatedAt = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	lots := []StockLot{newer, older}
	SortFIFO(lots)
	assert.Equal(t, older.ID, lots[0].ID)
}

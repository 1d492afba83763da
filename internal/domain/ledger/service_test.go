package ledger_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbook/internal/core/apperror"
	"stockbook/internal/core/id"
	"stockbook/internal/core/tenant"
	"stockbook/internal/core/types"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/storage/memory"
	"stockbook/pkg/logger"
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	registry *tenant.MemoryRegistry
	svc      *ledger.Service
	now      time.Time

	tenantID id.ID
	product  id.ID
	house    id.ID
	pantry   id.ID
	kitchen  id.ID
	fridge   id.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    memory.NewStore(),
		now:      time.Date(2025, 12, 1, 9, 30, 0, 0, time.UTC),
		tenantID: id.New(),
		product:  id.New(),
		house:    id.New(),
		pantry:   id.New(),
		kitchen:  id.New(),
		fridge:   id.New(),
	}
	f.registry = tenant.NewMemoryRegistry(tenant.Tenant{ID: f.tenantID, Slug: "home"})
	resolver := tenant.NewResolver(tenant.ResolverConfig{}, f.registry, logger.NewNop())
	t.Cleanup(resolver.Close)

	f.store.AddProduct(f.tenantID, ledger.Product{ID: f.product, Name: "milk"})
	f.store.AddLocation(f.tenantID, f.house, nil)
	f.store.AddLocation(f.tenantID, f.pantry, &f.house)
	f.store.AddLocation(f.tenantID, f.kitchen, &f.house)
	f.store.AddLocation(f.tenantID, f.fridge, &f.kitchen)

	f.svc = ledger.NewService(f.store, resolver,
		ledger.WithClock(func() time.Time { return f.now }),
		ledger.WithLogger(logger.NewNop()),
	)
	return f
}

func qty(units int64) types.Quantity { return types.NewQuantity(units) }

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func (f *fixture) add(in ledger.AddInput) *ledger.Result {
	f.t.Helper()
	if id.IsNil(in.ProductID) {
		in.ProductID = f.product
	}
	res, err := f.svc.Add(f.ctx, f.tenantID, in)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) lot(lotID id.ID) *ledger.StockLot {
	f.t.Helper()
	lot, err := f.svc.GetLot(f.ctx, f.tenantID, lotID)
	require.NoError(f.t, err)
	return lot
}

func (f *fixture) quantities(lotIDs ...id.ID) []types.Quantity {
	f.t.Helper()
	out := make([]types.Quantity, len(lotIDs))
	for i, lotID := range lotIDs {
		out[i] = f.lot(lotID).Quantity
	}
	return out
}

func (f *fixture) history() []ledger.LedgerEntry {
	f.t.Helper()
	entries, err := f.svc.History(f.ctx, f.tenantID, ledger.HistoryFilter{IncludeUndone: true, Limit: 1000})
	require.NoError(f.t, err)
	return entries
}

// requireBalanced checks the ledger-sum invariant and non-negativity for every lot.
func (f *fixture) requireBalanced() {
	f.t.Helper()
	mismatches, err := f.svc.Reconcile(f.ctx, f.tenantID)
	require.NoError(f.t, err)
	require.Empty(f.t, mismatches)

	lots, err := f.svc.ListLots(f.ctx, f.tenantID, ledger.LotFilter{IncludeEmpty: true, Limit: 1000})
	require.NoError(f.t, err)
	for _, lot := range lots {
		require.False(f.t, lot.Quantity.IsNegative(), "lot %s has negative quantity %s", lot.ID, lot.Quantity)
	}
}

func TestAddCreatesThenIncrements(t *testing.T) {
	f := newFixture(t)

	first := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(5)})
	require.Len(t, first.Entries, 1)
	require.Len(t, first.Lots, 1)
	assert.Equal(t, ledger.KindAdd, first.Entries[0].Kind)
	assert.Equal(t, qty(5), first.Entries[0].QuantityDelta)
	assert.Nil(t, first.CorrelationID)

	second := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(3)})
	assert.Equal(t, first.Lots[0].ID, second.Lots[0].ID)
	assert.Equal(t, qty(8), second.Lots[0].Quantity)
	assert.Equal(t, ledger.Date(f.now), second.Lots[0].PurchaseDate)

	// Another label is another lot.
	labelled := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(1), LotLabel: "B-42"})
	assert.NotEqual(t, first.Lots[0].ID, labelled.Lots[0].ID)

	f.requireBalanced()
}

func TestAddValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Add(f.ctx, f.tenantID, ledger.AddInput{ProductID: f.product, Quantity: 0})
	assert.True(t, apperror.IsValidation(err))

	_, err = f.svc.Add(f.ctx, f.tenantID, ledger.AddInput{ProductID: id.New(), Quantity: qty(1)})
	assert.True(t, apperror.IsNotFound(err))

	missing := id.New()
	_, err = f.svc.Add(f.ctx, f.tenantID, ledger.AddInput{ProductID: f.product, LocationID: &missing, Quantity: qty(1)})
	assert.True(t, apperror.IsNotFound(err))

	assert.Empty(t, f.history())
}

func TestConsumeFIFOByExpiration(t *testing.T) {
	f := newFixture(t)

	jan := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(2), LotLabel: "jan", ExpirationDate: day(2026, 1, 1)})
	mar := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(2), LotLabel: "mar", ExpirationDate: day(2026, 3, 1)})
	none := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(2), LotLabel: "none"})

	res, err := f.svc.Consume(f.ctx, f.tenantID, ledger.ConsumeInput{ProductID: f.product, Quantity: qty(3)})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	require.NotNil(t, res.CorrelationID)
	for _, e := range res.Entries {
		assert.Equal(t, ledger.KindConsume, e.Kind)
		assert.Equal(t, *res.CorrelationID, *e.CorrelationID)
	}

	assert.Equal(t,
		[]types.Quantity{qty(0), qty(1), qty(2)},
		f.quantities(jan.Lots[0].ID, mar.Lots[0].ID, none.Lots[0].ID))
	f.requireBalanced()
}

func TestConsumeSingleLotIsUncorrelated(t *testing.T) {
	f := newFixture(t)
	f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(4)})

	res, err := f.svc.Consume(f.ctx, f.tenantID, ledger.ConsumeInput{
		ProductID: f.product,
		Quantity:  qty(1),
		Spoiled:   true,
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Nil(t, res.CorrelationID)
	assert.True(t, res.Entries[0].Spoiled)
	assert.Equal(t, qty(-1), res.Entries[0].QuantityDelta)
}

func TestConsumeInsufficientStockChangesNothing(t *testing.T) {
	f := newFixture(t)
	a := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(4)})
	b := f.add(ledger.AddInput{LocationID: &f.fridge, Quantity: qty(2)})
	before := len(f.history())

	_, err := f.svc.Consume(f.ctx, f.tenantID, ledger.ConsumeInput{ProductID: f.product, Quantity: qty(10)})
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))

	appErr, _ := apperror.AsAppError(err)
	assert.Equal(t, "6.0000", appErr.Details["available"])

	assert.Equal(t, []types.Quantity{qty(4), qty(2)}, f.quantities(a.Lots[0].ID, b.Lots[0].ID))
	assert.Len(t, f.history(), before)
	f.requireBalanced()
}

func TestConsumeLocationSubtree(t *testing.T) {
	f := newFixture(t)
	f.add(ledger.AddInput{LocationID: &f.fridge, Quantity: qty(2)})

	_, err := f.svc.Consume(f.ctx, f.tenantID, ledger.ConsumeInput{
		ProductID:  f.product,
		LocationID: &f.kitchen,
		Quantity:   qty(1),
	})
	assert.True(t, apperror.IsInsufficientStock(err))

	res, err := f.svc.Consume(f.ctx, f.tenantID, ledger.ConsumeInput{
		ProductID:          f.product,
		LocationID:         &f.kitchen,
		IncludeDescendants: true,
		Quantity:           qty(1),
	})
	require.NoError(t, err)
	assert.Equal(t, &f.fridge, res.Entries[0].FromLocationID)
}

func TestTransferMovesBothLegsTogether(t *testing.T) {
	f := newFixture(t)
	src := f.add(ledger.AddInput{
		LocationID:     &f.pantry,
		Quantity:       qty(5),
		ExpirationDate: day(2026, 2, 1),
		UnitPrice:      types.SomeMoney(decimal.RequireFromString("1.25")),
	})

	res, err := f.svc.Transfer(f.ctx, f.tenantID, ledger.TransferInput{
		ProductID:      f.product,
		FromLocationID: &f.pantry,
		ToLocationID:   &f.fridge,
		Quantity:       qty(4),
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	out, in := res.Entries[0], res.Entries[1]
	assert.Equal(t, ledger.KindTransferOut, out.Kind)
	assert.Equal(t, ledger.KindTransferIn, in.Kind)
	assert.Equal(t, qty(-4), out.QuantityDelta)
	assert.Equal(t, qty(4), in.QuantityDelta)
	assert.Equal(t, *out.CorrelationID, *in.CorrelationID)

	dst := f.lot(*in.LotID)
	assert.Equal(t, qty(1), f.lot(src.Lots[0].ID).Quantity)
	assert.Equal(t, qty(4), dst.Quantity)
	assert.Equal(t, &f.fridge, dst.LocationID)
	require.NotNil(t, dst.ExpirationDate)
	assert.True(t, day(2026, 2, 1).Equal(*dst.ExpirationDate))
	assert.True(t, dst.UnitPrice.Decimal.Equal(decimal.RequireFromString("1.25")))

	_, err = f.svc.Transfer(f.ctx, f.tenantID, ledger.TransferInput{
		ProductID:      f.product,
		FromLocationID: &f.pantry,
		ToLocationID:   &f.fridge,
		Quantity:       qty(2),
	})
	assert.True(t, apperror.IsInsufficientStock(err))
	assert.Equal(t, []types.Quantity{qty(1), qty(4)}, f.quantities(src.Lots[0].ID, dst.ID))
	f.requireBalanced()
}

func TestTransferRejectsSameLocation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Transfer(f.ctx, f.tenantID, ledger.TransferInput{
		ProductID:      f.product,
		FromLocationID: &f.pantry,
		ToLocationID:   &f.pantry,
		Quantity:       qty(1),
	})
	assert.True(t, apperror.IsInvalidOperation(err))

	_, err = f.svc.Transfer(f.ctx, f.tenantID, ledger.TransferInput{ProductID: f.product, Quantity: qty(1)})
	assert.True(t, apperror.IsInvalidOperation(err))
}

func TestUndoAddAndDoubleUndo(t *testing.T) {
	f := newFixture(t)
	res := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(5)})
	entryID := res.Entries[0].ID
	lotID := res.Lots[0].ID

	undone, err := f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: entryID})
	require.NoError(t, err)
	require.Len(t, undone.Entries, 1)
	assert.True(t, undone.Entries[0].Undone)
	assert.Equal(t, qty(0), f.lot(lotID).Quantity)

	_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: entryID})
	assert.True(t, apperror.IsInvalidOperation(err))
	assert.True(t, apperror.IsAlreadyUndone(err))
	assert.Equal(t, qty(0), f.lot(lotID).Quantity)

	_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: id.New()})
	assert.True(t, apperror.IsNotFound(err))
	f.requireBalanced()
}

func TestUndoAddRestoresReplacedAttributes(t *testing.T) {
	f := newFixture(t)
	f.add(ledger.AddInput{
		LocationID: &f.pantry,
		Quantity:   qty(5),
		UnitPrice:  types.SomeMoney(decimal.RequireFromString("1.00")),
		Note:       "first",
	})
	second := f.add(ledger.AddInput{
		LocationID: &f.pantry,
		Quantity:   qty(3),
		UnitPrice:  types.SomeMoney(decimal.RequireFromString("2.00")),
	})
	require.True(t, second.Entries[0].Snapshot.Has(ledger.FieldUnitPrice))
	assert.False(t, second.Entries[0].Snapshot.Has(ledger.FieldNote))

	_, err := f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: second.Entries[0].ID})
	require.NoError(t, err)

	lot := f.lot(second.Lots[0].ID)
	assert.Equal(t, qty(5), lot.Quantity)
	assert.True(t, lot.UnitPrice.Decimal.Equal(decimal.RequireFromString("1.00")))
	assert.Equal(t, "first", lot.Note)
}

func TestUndoEitherTransferLegReversesBoth(t *testing.T) {
	for _, leg := range []int{0, 1} {
		f := newFixture(t)
		src := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(5)})

		res, err := f.svc.Transfer(f.ctx, f.tenantID, ledger.TransferInput{
			ProductID:      f.product,
			FromLocationID: &f.pantry,
			ToLocationID:   &f.fridge,
			Quantity:       qty(4),
		})
		require.NoError(t, err)
		dstID := *res.Entries[1].LotID

		undone, err := f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: res.Entries[leg].ID})
		require.NoError(t, err)
		assert.Len(t, undone.Entries, 2)
		assert.Equal(t, []types.Quantity{qty(5), qty(0)}, f.quantities(src.Lots[0].ID, dstID))

		for _, e := range res.Entries {
			_, err := f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: e.ID})
			assert.True(t, apperror.IsAlreadyUndone(err))
		}
		f.requireBalanced()
	}
}

func TestUndoFailsWhenStockWasConsumed(t *testing.T) {
	f := newFixture(t)
	added := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(5)})
	_, err := f.svc.Consume(f.ctx, f.tenantID, ledger.ConsumeInput{ProductID: f.product, Quantity: qty(3)})
	require.NoError(t, err)

	_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: added.Entries[0].ID})
	assert.True(t, apperror.IsInsufficientStock(err))

	entry, err := f.svc.GetEntry(f.ctx, f.tenantID, added.Entries[0].ID)
	require.NoError(t, err)
	assert.False(t, entry.Undone)
	assert.Equal(t, qty(2), f.lot(added.Lots[0].ID).Quantity)
	f.requireBalanced()
}

func TestCorrect(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Correct(f.ctx, f.tenantID, ledger.CorrectInput{ProductID: f.product, LocationID: &f.pantry, NewAmount: 0})
	assert.True(t, apperror.IsInvalidOperation(err))

	_, err = f.svc.Correct(f.ctx, f.tenantID, ledger.CorrectInput{ProductID: f.product, NewAmount: qty(-1)})
	assert.True(t, apperror.IsValidation(err))

	created, err := f.svc.Correct(f.ctx, f.tenantID, ledger.CorrectInput{ProductID: f.product, LocationID: &f.pantry, NewAmount: qty(4)})
	require.NoError(t, err)
	assert.Equal(t, ledger.KindCorrection, created.Entries[0].Kind)
	assert.Equal(t, qty(4), created.Entries[0].QuantityDelta)

	down, err := f.svc.Correct(f.ctx, f.tenantID, ledger.CorrectInput{ProductID: f.product, LocationID: &f.pantry, NewAmount: qty(1)})
	require.NoError(t, err)
	assert.Equal(t, created.Lots[0].ID, down.Lots[0].ID)
	assert.Equal(t, qty(-3), down.Entries[0].QuantityDelta)

	same, err := f.svc.Correct(f.ctx, f.tenantID, ledger.CorrectInput{ProductID: f.product, LocationID: &f.pantry, NewAmount: qty(1)})
	require.NoError(t, err)
	assert.True(t, same.Entries[0].QuantityDelta.IsZero())

	zero, err := f.svc.Correct(f.ctx, f.tenantID, ledger.CorrectInput{ProductID: f.product, LocationID: &f.pantry, NewAmount: 0})
	require.NoError(t, err)
	assert.True(t, zero.Lots[0].Quantity.IsZero())
	f.requireBalanced()
}

func TestOpenMovesToDefaultLocationAndUndoRestores(t *testing.T) {
	f := newFixture(t)
	days := 3
	product := id.New()
	f.store.AddProduct(f.tenantID, ledger.Product{
		ID:                       product,
		Name:                     "cream",
		DaysAfterOpen:            &days,
		DefaultConsumeLocationID: &f.fridge,
	})
	added := f.add(ledger.AddInput{ProductID: product, LocationID: &f.pantry, Quantity: qty(2), ExpirationDate: day(2026, 6, 1)})
	srcID := added.Lots[0].ID

	res, err := f.svc.Open(f.ctx, f.tenantID, ledger.OpenInput{LotID: srcID})
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	require.NotNil(t, res.CorrelationID)
	assert.Equal(t, ledger.KindOpened, res.Entries[0].Kind)
	assert.True(t, res.Entries[0].QuantityDelta.IsZero())
	assert.Equal(t, ledger.KindTransferOut, res.Entries[1].Kind)
	assert.Equal(t, ledger.KindTransferIn, res.Entries[2].Kind)

	src := f.lot(srcID)
	dst := f.lot(*res.Entries[2].LotID)
	assert.True(t, src.Quantity.IsZero())
	assert.True(t, src.Opened)
	assert.Equal(t, qty(2), dst.Quantity)
	assert.Equal(t, &f.fridge, dst.LocationID)
	assert.True(t, dst.Opened)
	require.NotNil(t, dst.ExpirationDate)
	assert.True(t, day(2025, 12, 4).Equal(*dst.ExpirationDate))

	_, err = f.svc.Open(f.ctx, f.tenantID, ledger.OpenInput{LotID: dst.ID})
	assert.True(t, apperror.IsInvalidOperation(err))

	_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: res.Entries[0].ID})
	require.NoError(t, err)

	src = f.lot(srcID)
	assert.Equal(t, qty(2), src.Quantity)
	assert.False(t, src.Opened)
	assert.Nil(t, src.OpenedDate)
	require.NotNil(t, src.ExpirationDate)
	assert.True(t, day(2026, 6, 1).Equal(*src.ExpirationDate))
	assert.True(t, f.lot(dst.ID).Quantity.IsZero())
	f.requireBalanced()
}

func TestOpenInPlaceKeepsEarlierExpiration(t *testing.T) {
	f := newFixture(t)
	days := 30
	product := id.New()
	f.store.AddProduct(f.tenantID, ledger.Product{ID: product, Name: "jam", DaysAfterOpen: &days})
	added := f.add(ledger.AddInput{ProductID: product, LocationID: &f.pantry, Quantity: qty(1), ExpirationDate: day(2025, 12, 10)})

	res, err := f.svc.Open(f.ctx, f.tenantID, ledger.OpenInput{LotID: added.Lots[0].ID})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Nil(t, res.CorrelationID)

	lot := f.lot(added.Lots[0].ID)
	assert.True(t, lot.Opened)
	require.NotNil(t, lot.OpenedDate)
	assert.True(t, ledger.Date(f.now).Equal(*lot.OpenedDate))
	assert.True(t, day(2025, 12, 10).Equal(*lot.ExpirationDate))

	empty := f.add(ledger.AddInput{ProductID: product, LocationID: &f.kitchen, Quantity: qty(1)})
	_, err = f.svc.Correct(f.ctx, f.tenantID, ledger.CorrectInput{ProductID: product, LocationID: &f.kitchen, NewAmount: 0})
	require.NoError(t, err)
	_, err = f.svc.Open(f.ctx, f.tenantID, ledger.OpenInput{LotID: empty.Lots[0].ID})
	assert.True(t, apperror.IsInvalidOperation(err))
}

func TestEditRecordsSnapshotsAndUndoRestores(t *testing.T) {
	f := newFixture(t)
	added := f.add(ledger.AddInput{
		LocationID: &f.pantry,
		Quantity:   qty(5),
		UnitPrice:  types.SomeMoney(decimal.RequireFromString("2.50")),
	})
	lotID := added.Lots[0].ID

	three := qty(3)
	note := "half used"
	res, err := f.svc.Edit(f.ctx, f.tenantID, ledger.EditInput{
		LotID: lotID,
		Patch: ledger.LotPatch{Quantity: &three, Note: &note, ClearUnitPrice: true},
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	before, after := res.Entries[0], res.Entries[1]
	assert.Equal(t, ledger.KindEditBefore, before.Kind)
	assert.Equal(t, ledger.KindEditAfter, after.Kind)
	assert.True(t, before.QuantityDelta.IsZero())
	assert.Equal(t, qty(-2), after.QuantityDelta)
	for _, field := range []ledger.LotField{ledger.FieldQuantity, ledger.FieldUnitPrice, ledger.FieldNote} {
		assert.True(t, before.Snapshot.Has(field), field)
		assert.True(t, after.Snapshot.Has(field), field)
	}

	lot := f.lot(lotID)
	assert.Equal(t, qty(3), lot.Quantity)
	assert.False(t, lot.UnitPrice.Valid)
	assert.Equal(t, "half used", lot.Note)

	_, err = f.svc.Edit(f.ctx, f.tenantID, ledger.EditInput{LotID: lotID, Patch: ledger.LotPatch{Note: &note}})
	assert.True(t, apperror.IsInvalidOperation(err))

	_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: after.ID})
	require.NoError(t, err)
	lot = f.lot(lotID)
	assert.Equal(t, qty(5), lot.Quantity)
	assert.True(t, lot.UnitPrice.Valid)
	assert.True(t, lot.UnitPrice.Decimal.Equal(decimal.RequireFromString("2.50")))
	assert.Empty(t, lot.Note)
	f.requireBalanced()
}

func TestOpenIntoSealedLotKeepsItsExpiration(t *testing.T) {
	f := newFixture(t)
	days := 30
	product := id.New()
	f.store.AddProduct(f.tenantID, ledger.Product{
		ID:                       product,
		Name:                     "yoghurt",
		DaysAfterOpen:            &days,
		DefaultConsumeLocationID: &f.fridge,
	})
	sealed := f.add(ledger.AddInput{ProductID: product, LocationID: &f.fridge, Quantity: qty(3), ExpirationDate: day(2025, 12, 5)})
	pantry := f.add(ledger.AddInput{ProductID: product, LocationID: &f.pantry, Quantity: qty(1), ExpirationDate: day(2026, 6, 1)})

	res, err := f.svc.Open(f.ctx, f.tenantID, ledger.OpenInput{LotID: pantry.Lots[0].ID})
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, sealed.Lots[0].ID, *res.Entries[2].LotID)
	assert.Empty(t, res.Entries[2].Snapshot)

	fridge := f.lot(sealed.Lots[0].ID)
	assert.Equal(t, qty(4), fridge.Quantity)
	assert.False(t, fridge.Opened)
	assert.Nil(t, fridge.OpenedDate)
	require.NotNil(t, fridge.ExpirationDate)
	assert.True(t, day(2025, 12, 5).Equal(*fridge.ExpirationDate))
	f.requireBalanced()
}

func TestMergeTakesEarlierExpirationAndUndoRestores(t *testing.T) {
	f := newFixture(t)
	days := 30
	product := id.New()
	f.store.AddProduct(f.tenantID, ledger.Product{
		ID:                       product,
		Name:                     "yoghurt",
		DaysAfterOpen:            &days,
		DefaultConsumeLocationID: &f.fridge,
	})
	sealed := f.add(ledger.AddInput{ProductID: product, LocationID: &f.fridge, Quantity: qty(3), ExpirationDate: day(2026, 3, 1)})
	pantry := f.add(ledger.AddInput{ProductID: product, LocationID: &f.pantry, Quantity: qty(1), ExpirationDate: day(2026, 6, 1)})

	res, err := f.svc.Open(f.ctx, f.tenantID, ledger.OpenInput{LotID: pantry.Lots[0].ID})
	require.NoError(t, err)
	assert.True(t, res.Entries[2].Snapshot.Has(ledger.FieldExpirationDate))

	fridge := f.lot(sealed.Lots[0].ID)
	assert.False(t, fridge.Opened)
	require.NotNil(t, fridge.ExpirationDate)
	assert.True(t, day(2025, 12, 31).Equal(*fridge.ExpirationDate))

	_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: res.Entries[0].ID})
	require.NoError(t, err)
	fridge = f.lot(sealed.Lots[0].ID)
	assert.Equal(t, qty(3), fridge.Quantity)
	assert.True(t, day(2026, 3, 1).Equal(*fridge.ExpirationDate))
	source := f.lot(pantry.Lots[0].ID)
	assert.Equal(t, qty(1), source.Quantity)
	assert.False(t, source.Opened)
	assert.True(t, day(2026, 6, 1).Equal(*source.ExpirationDate))

	// Later stock moved in does not extend the shelf life.
	f.add(ledger.AddInput{ProductID: product, LocationID: &f.kitchen, Quantity: qty(1), ExpirationDate: day(2027, 1, 1)})
	moved, err := f.svc.Transfer(f.ctx, f.tenantID, ledger.TransferInput{
		ProductID:      product,
		FromLocationID: &f.kitchen,
		ToLocationID:   &f.fridge,
		Quantity:       qty(1),
	})
	require.NoError(t, err)
	assert.Equal(t, sealed.Lots[0].ID, *moved.Entries[1].LotID)
	fridge = f.lot(sealed.Lots[0].ID)
	assert.Equal(t, qty(4), fridge.Quantity)
	assert.True(t, day(2026, 3, 1).Equal(*fridge.ExpirationDate))
	f.requireBalanced()
}

func TestUndoRefusesToOverwriteLaterEdit(t *testing.T) {
	f := newFixture(t)
	f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(2), Note: "a"})
	second := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(1), Note: "b"})
	lotID := second.Lots[0].ID

	note := "edited"
	edit, err := f.svc.Edit(f.ctx, f.tenantID, ledger.EditInput{LotID: lotID, Patch: ledger.LotPatch{Note: &note}})
	require.NoError(t, err)

	_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: second.Entries[0].ID})
	require.Error(t, err)
	assert.True(t, apperror.IsInvalidOperation(err))
	assert.True(t, apperror.IsSuperseded(err))

	lot := f.lot(lotID)
	assert.Equal(t, "edited", lot.Note)
	assert.Equal(t, qty(3), lot.Quantity)
	entry, err := f.svc.GetEntry(f.ctx, f.tenantID, second.Entries[0].ID)
	require.NoError(t, err)
	assert.False(t, entry.Undone)

	// Unwinding the edit first hands the field back to the add.
	_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: edit.Entries[0].ID})
	require.NoError(t, err)
	_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: second.Entries[0].ID})
	require.NoError(t, err)

	lot = f.lot(lotID)
	assert.Equal(t, "a", lot.Note)
	assert.Equal(t, qty(2), lot.Quantity)
	f.requireBalanced()
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	in := ledger.AddInput{ProductID: f.product, LocationID: &f.pantry, Quantity: qty(5), IdempotencyKey: "req-1"}

	first, err := f.svc.Add(f.ctx, f.tenantID, in)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	replay, err := f.svc.Add(f.ctx, f.tenantID, in)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Entries[0].ID, replay.Entries[0].ID)
	assert.Equal(t, qty(5), f.lot(first.Lots[0].ID).Quantity)
	assert.Len(t, f.history(), 1)

	in.Quantity = qty(6)
	_, err = f.svc.Add(f.ctx, f.tenantID, in)
	assert.True(t, apperror.IsIdempotencyConflict(err))

	_, err = f.svc.Consume(f.ctx, f.tenantID, ledger.ConsumeInput{ProductID: f.product, Quantity: qty(1), IdempotencyKey: "req-1"})
	assert.True(t, apperror.IsIdempotencyConflict(err))
	assert.Equal(t, qty(5), f.lot(first.Lots[0].ID).Quantity)
}

func TestFailedOperationReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	in := ledger.ConsumeInput{ProductID: f.product, Quantity: qty(2), IdempotencyKey: "consume-1"}

	_, err := f.svc.Consume(f.ctx, f.tenantID, in)
	assert.True(t, apperror.IsInsufficientStock(err))

	f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(2)})
	res, err := f.svc.Consume(f.ctx, f.tenantID, in)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestPurgeExpiredKeys(t *testing.T) {
	f := newFixture(t)
	in := ledger.AddInput{ProductID: f.product, LocationID: &f.pantry, Quantity: qty(1), IdempotencyKey: "req-old"}
	_, err := f.svc.Add(f.ctx, f.tenantID, in)
	require.NoError(t, err)

	n, err := f.svc.PurgeExpiredKeys(f.ctx, f.tenantID)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.Add(25 * time.Hour)
	n, err = f.svc.PurgeExpiredKeys(f.ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := f.svc.Add(f.ctx, f.tenantID, in)
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	_, err = f.svc.PurgeExpiredKeys(f.ctx, id.New())
	assert.True(t, apperror.IsNotFound(err))
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	other := id.New()
	f.registry.Put(tenant.Tenant{ID: other, Slug: "neighbour"})
	added := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(5)})

	_, err := f.svc.GetLot(f.ctx, other, added.Lots[0].ID)
	assert.True(t, apperror.IsNotFound(err))

	_, err = f.svc.GetEntry(f.ctx, other, added.Entries[0].ID)
	assert.True(t, apperror.IsNotFound(err))

	_, err = f.svc.Undo(f.ctx, other, ledger.UndoInput{EntryID: added.Entries[0].ID})
	assert.True(t, apperror.IsNotFound(err))

	_, err = f.svc.Consume(f.ctx, other, ledger.ConsumeInput{ProductID: f.product, Quantity: qty(1)})
	assert.True(t, apperror.IsNotFound(err))

	_, err = f.svc.Edit(f.ctx, other, ledger.EditInput{LotID: added.Lots[0].ID, Patch: ledger.LotPatch{Quantity: new(types.Quantity)}})
	assert.True(t, apperror.IsNotFound(err))

	lots, err := f.svc.ListLots(f.ctx, other, ledger.LotFilter{IncludeEmpty: true})
	require.NoError(t, err)
	assert.Empty(t, lots)

	assert.Equal(t, qty(5), f.lot(added.Lots[0].ID).Quantity)
}

func TestUnknownAndSuspendedTenantsAreNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Add(f.ctx, id.New(), ledger.AddInput{ProductID: f.product, Quantity: qty(1)})
	assert.True(t, apperror.IsNotFound(err))

	require.NoError(t, f.registry.UpdateStatusByID(f.ctx, f.tenantID, tenant.StatusSuspended))
	_, err = f.svc.Add(f.ctx, f.tenantID, ledger.AddInput{ProductID: f.product, Quantity: qty(1)})
	assert.True(t, apperror.IsNotFound(err))

	_, err = f.svc.ListLots(f.ctx, f.tenantID, ledger.LotFilter{})
	assert.True(t, apperror.IsNotFound(err))
}

func TestEventsFollowCommits(t *testing.T) {
	f := newFixture(t)
	added := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(2)})

	_, err := f.svc.Consume(f.ctx, f.tenantID, ledger.ConsumeInput{ProductID: f.product, Quantity: qty(5)})
	require.Error(t, err)
	require.Len(t, f.store.Published(), 1)

	_, err = f.svc.Consume(f.ctx, f.tenantID, ledger.ConsumeInput{ProductID: f.product, Quantity: qty(2)})
	require.NoError(t, err)

	events := f.store.Published()
	require.Len(t, events, 3)
	assert.Equal(t, ledger.EventStockChanged, events[1].Type)
	assert.Equal(t, ledger.OpConsume, events[1].Operation)
	assert.Equal(t, ledger.EventLotDepleted, events[2].Type)
	assert.Equal(t, []id.ID{added.Lots[0].ID}, events[2].LotIDs)
	assert.Equal(t, f.tenantID, events[2].TenantID)
}

func TestHistoryFilters(t *testing.T) {
	f := newFixture(t)
	f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(5)})
	tr, err := f.svc.Transfer(f.ctx, f.tenantID, ledger.TransferInput{
		ProductID:      f.product,
		FromLocationID: &f.pantry,
		ToLocationID:   &f.fridge,
		Quantity:       qty(2),
	})
	require.NoError(t, err)

	group, err := f.svc.History(f.ctx, f.tenantID, ledger.HistoryFilter{CorrelationID: tr.CorrelationID})
	require.NoError(t, err)
	assert.Len(t, group, 2)

	page, err := f.svc.History(f.ctx, f.tenantID, ledger.HistoryFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	rest, err := f.svc.History(f.ctx, f.tenantID, ledger.HistoryFilter{After: &page[0].ID})
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: tr.Entries[0].ID})
	require.NoError(t, err)
	visible, err := f.svc.History(f.ctx, f.tenantID, ledger.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, visible, 1)
	assert.Len(t, f.history(), 3)

	_, err = f.svc.History(f.ctx, f.tenantID, ledger.HistoryFilter{Kinds: []ledger.OperationKind{"bogus"}})
	assert.True(t, apperror.IsValidation(err))
}

func TestReconcileReportsDrift(t *testing.T) {
	f := newFixture(t)
	added := f.add(ledger.AddInput{LocationID: &f.pantry, Quantity: qty(5)})
	f.requireBalanced()

	require.True(t, f.store.ForceQuantity(f.tenantID, added.Lots[0].ID, qty(7)))

	mismatches, err := f.svc.Reconcile(f.ctx, f.tenantID)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, added.Lots[0].ID, mismatches[0].LotID)
	assert.Equal(t, qty(7), mismatches[0].Quantity)
	assert.Equal(t, qty(5), mismatches[0].Ledger)
}

func TestRandomOperationsKeepLedgerBalanced(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(7))
	locations := []*id.ID{nil, &f.pantry, &f.fridge, &f.kitchen}
	labels := []string{"", "b"}
	expirations := []*time.Time{nil, day(2026, 1, 1), day(2026, 4, 1)}

	pickLocation := func() *id.ID { return locations[rng.Intn(len(locations))] }

	for step := 0; step < 300; step++ {
		var err error
		switch rng.Intn(6) {
		case 0:
			_, err = f.svc.Add(f.ctx, f.tenantID, ledger.AddInput{
				ProductID:      f.product,
				LocationID:     pickLocation(),
				Quantity:       qty(1 + rng.Int63n(5)),
				LotLabel:       labels[rng.Intn(len(labels))],
				ExpirationDate: expirations[rng.Intn(len(expirations))],
			})
		case 1:
			_, err = f.svc.Consume(f.ctx, f.tenantID, ledger.ConsumeInput{
				ProductID:  f.product,
				LocationID: pickLocation(),
				Quantity:   qty(1 + rng.Int63n(4)),
			})
		case 2:
			from, to := pickLocation(), pickLocation()
			_, err = f.svc.Transfer(f.ctx, f.tenantID, ledger.TransferInput{
				ProductID:      f.product,
				FromLocationID: from,
				ToLocationID:   to,
				Quantity:       qty(1 + rng.Int63n(3)),
			})
		case 3:
			_, err = f.svc.Correct(f.ctx, f.tenantID, ledger.CorrectInput{
				ProductID:  f.product,
				LocationID: pickLocation(),
				LotLabel:   labels[rng.Intn(len(labels))],
				NewAmount:  qty(rng.Int63n(6)),
			})
		case 4:
			entries, hErr := f.svc.History(f.ctx, f.tenantID, ledger.HistoryFilter{Limit: 1000})
			require.NoError(t, hErr)
			if len(entries) == 0 {
				continue
			}
			_, err = f.svc.Undo(f.ctx, f.tenantID, ledger.UndoInput{EntryID: entries[rng.Intn(len(entries))].ID})
		case 5:
			lots, lErr := f.svc.ListLots(f.ctx, f.tenantID, ledger.LotFilter{IncludeEmpty: true, Limit: 1000})
			require.NoError(t, lErr)
			if len(lots) == 0 {
				continue
			}
			amount := qty(rng.Int63n(6))
			_, err = f.svc.Edit(f.ctx, f.tenantID, ledger.EditInput{
				LotID: lots[rng.Intn(len(lots))].ID,
				Patch: ledger.LotPatch{Quantity: &amount},
			})
		}

		if err != nil {
			appErr, ok := apperror.AsAppError(err)
			require.True(t, ok, "step %d: %v", step, err)
			require.Less(t, appErr.HTTPStatus, 500, "step %d: %v", step, err)
		}
		f.requireBalanced()
	}
}

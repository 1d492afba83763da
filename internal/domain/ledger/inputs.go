package ledger

import (
	"time"

	"stockbook/internal/core/apperror"
	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
)

// Operation names, used for logging, events and idempotency records.
const (
	OpAdd      = "add"
	OpConsume  = "consume"
	OpTransfer = "transfer"
	OpCorrect  = "correct"
	OpOpen     = "open"
	OpEdit     = "edit"
	OpUndo     = "undo"
)

const maxIdempotencyKeyLen = 255

func validateKey(key string) error {
	if len(key) > maxIdempotencyKeyLen {
		return apperror.NewValidation("idempotency key is too long").
			WithDetail("max_length", maxIdempotencyKeyLen)
	}
	return nil
}

func requirePositive(field string, q types.Quantity) error {
	if !q.IsPositive() {
		return apperror.NewValidation(field+" must be positive").
			WithDetail("field", field).
			WithDetail("value", q.String())
	}
	return nil
}

func requireID(field string, v id.ID) error {
	if id.IsNil(v) {
		return apperror.NewValidation(field + " is required").WithDetail("field", field)
	}
	return nil
}

// AddInput describes incoming stock.
type AddInput struct {
	ProductID      id.ID           `json:"product_id"`
	LocationID     *id.ID          `json:"location_id"`
	Quantity       types.Quantity  `json:"quantity"`
	ExpirationDate *time.Time      `json:"expiration_date"`
	PurchaseDate   *time.Time      `json:"purchase_date"`
	UnitPrice      types.NullMoney `json:"unit_price"`
	Note           string          `json:"note"`
	LotLabel       string          `json:"lot_label"`
	IdempotencyKey string          `json:"-"`
}

func (in AddInput) Validate() error {
	if err := requireID("product_id", in.ProductID); err != nil {
		return err
	}
	if err := requirePositive("quantity", in.Quantity); err != nil {
		return err
	}
	if in.UnitPrice.Valid && in.UnitPrice.Decimal.IsNegative() {
		return apperror.NewValidation("unit_price must not be negative")
	}
	return validateKey(in.IdempotencyKey)
}

// ConsumeInput removes stock in FIFO order.
type ConsumeInput struct {
	ProductID          id.ID          `json:"product_id"`
	LocationID         *id.ID         `json:"location_id"`
	IncludeDescendants bool           `json:"include_descendants"`
	Quantity           types.Quantity `json:"quantity"`
	Spoiled            bool           `json:"spoiled"`
	Note               string         `json:"note"`
	IdempotencyKey     string         `json:"-"`
}

func (in ConsumeInput) Validate() error {
	if err := requireID("product_id", in.ProductID); err != nil {
		return err
	}
	if err := requirePositive("quantity", in.Quantity); err != nil {
		return err
	}
	return validateKey(in.IdempotencyKey)
}

// TransferInput moves stock between two locations (nil = unlocated).
type TransferInput struct {
	ProductID      id.ID          `json:"product_id"`
	FromLocationID *id.ID         `json:"from_location_id"`
	ToLocationID   *id.ID         `json:"to_location_id"`
	Quantity       types.Quantity `json:"quantity"`
	Note           string         `json:"note"`
	IdempotencyKey string         `json:"-"`
}

func (in TransferInput) Validate() error {
	if err := requireID("product_id", in.ProductID); err != nil {
		return err
	}
	if err := requirePositive("quantity", in.Quantity); err != nil {
		return err
	}
	if id.EqualPtr(in.FromLocationID, in.ToLocationID) {
		return apperror.NewInvalidOperation(apperror.ReasonSameLocation,
			"source and destination locations must differ")
	}
	return validateKey(in.IdempotencyKey)
}

// CorrectInput sets a lot's quantity to an absolute amount.
type CorrectInput struct {
	ProductID      id.ID          `json:"product_id"`
	LocationID     *id.ID         `json:"location_id"`
	LotLabel       string         `json:"lot_label"`
	NewAmount      types.Quantity `json:"new_amount"`
	Note           string         `json:"note"`
	IdempotencyKey string         `json:"-"`
}

func (in CorrectInput) Validate() error {
	if err := requireID("product_id", in.ProductID); err != nil {
		return err
	}
	if in.NewAmount.IsNegative() {
		return apperror.NewValidation("new_amount must not be negative").
			WithDetail("value", in.NewAmount.String())
	}
	return validateKey(in.IdempotencyKey)
}

// OpenInput marks a lot as opened.
type OpenInput struct {
	LotID id.ID `json:"lot_id"`
	// StayInPlace suppresses the move to the product's default consume location.
	StayInPlace    bool   `json:"stay_in_place"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"-"`
}

func (in OpenInput) Validate() error {
	if err := requireID("lot_id", in.LotID); err != nil {
		return err
	}
	return validateKey(in.IdempotencyKey)
}

// LotPatch lists the attributes an edit changes. Nil pointers are left alone;
// the Clear flags reset nullable attributes.
type LotPatch struct {
	Quantity        *types.Quantity `json:"quantity"`
	ExpirationDate  *time.Time      `json:"expiration_date"`
	ClearExpiration bool            `json:"clear_expiration"`
	PurchaseDate    *time.Time      `json:"purchase_date"`
	UnitPrice       *types.Money    `json:"unit_price"`
	ClearUnitPrice  bool            `json:"clear_unit_price"`
	Note            *string         `json:"note"`
}

// apply writes the patch onto lot and returns the fields that actually changed.
func (p LotPatch) apply(lot *StockLot) []LotField {
	var changed []LotField
	if p.Quantity != nil && *p.Quantity != lot.Quantity {
		lot.Quantity = *p.Quantity
		changed = append(changed, FieldQuantity)
	}
	switch {
	case p.ClearExpiration && lot.ExpirationDate != nil:
		lot.ExpirationDate = nil
		changed = append(changed, FieldExpirationDate)
	case !p.ClearExpiration && p.ExpirationDate != nil && !sameDate(lot.ExpirationDate, p.ExpirationDate):
		lot.ExpirationDate = DatePtr(p.ExpirationDate)
		changed = append(changed, FieldExpirationDate)
	}
	if p.PurchaseDate != nil && !Date(*p.PurchaseDate).Equal(lot.PurchaseDate) {
		lot.PurchaseDate = Date(*p.PurchaseDate)
		changed = append(changed, FieldPurchaseDate)
	}
	switch {
	case p.ClearUnitPrice && lot.UnitPrice.Valid:
		lot.UnitPrice = types.NullMoney{}
		changed = append(changed, FieldUnitPrice)
	case !p.ClearUnitPrice && p.UnitPrice != nil &&
		(!lot.UnitPrice.Valid || !lot.UnitPrice.Decimal.Equal(*p.UnitPrice)):
		lot.UnitPrice = types.SomeMoney(*p.UnitPrice)
		changed = append(changed, FieldUnitPrice)
	}
	if p.Note != nil && *p.Note != lot.Note {
		lot.Note = *p.Note
		changed = append(changed, FieldNote)
	}
	return changed
}

// EditInput changes lot attributes and, optionally, its quantity.
type EditInput struct {
	LotID          id.ID    `json:"lot_id"`
	Patch          LotPatch `json:"patch"`
	Note           string   `json:"note"`
	IdempotencyKey string   `json:"-"`
}

func (in EditInput) Validate() error {
	if err := requireID("lot_id", in.LotID); err != nil {
		return err
	}
	if q := in.Patch.Quantity; q != nil && q.IsNegative() {
		return apperror.NewValidation("quantity must not be negative").WithDetail("value", q.String())
	}
	if p := in.Patch.UnitPrice; p != nil && p.IsNegative() {
		return apperror.NewValidation("unit_price must not be negative")
	}
	if in.Patch.ClearExpiration && in.Patch.ExpirationDate != nil {
		return apperror.NewValidation("expiration_date and clear_expiration are mutually exclusive")
	}
	if in.Patch.ClearUnitPrice && in.Patch.UnitPrice != nil {
		return apperror.NewValidation("unit_price and clear_unit_price are mutually exclusive")
	}
	return validateKey(in.IdempotencyKey)
}

// UndoInput reverses an entry and its correlation group.
type UndoInput struct {
	EntryID        id.ID  `json:"entry_id"`
	IdempotencyKey string `json:"-"`
}

func (in UndoInput) Validate() error {
	if err := requireID("entry_id", in.EntryID); err != nil {
		return err
	}
	return validateKey(in.IdempotencyKey)
}

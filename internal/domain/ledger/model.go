// Package ledger implements the multi-tenant stock ledger: lots, their
// append-only history, FIFO consumption and correlated undo.
package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
)

// OperationKind classifies a ledger entry.
type OperationKind string

const (
	KindAdd         OperationKind = "add"
	KindConsume     OperationKind = "consume"
	KindTransferOut OperationKind = "transfer_out"
	KindTransferIn  OperationKind = "transfer_in"
	KindCorrection  OperationKind = "correction"
	KindOpened      OperationKind = "opened"
	KindEditBefore  OperationKind = "edit_before"
	KindEditAfter   OperationKind = "edit_after"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case KindAdd, KindConsume, KindTransferOut, KindTransferIn,
		KindCorrection, KindOpened, KindEditBefore, KindEditAfter:
		return true
	}
	return false
}

// restoresOnUndo reports whether the entry's snapshot holds values that undo
// writes back. edit_after records the new values and is informational only.
func (k OperationKind) restoresOnUndo() bool {
	return k != KindEditAfter
}

// StockLot is a quantity of one product at one location (nil = unlocated).
// Lots are never deleted by the ledger; depleted lots keep quantity 0.
type StockLot struct {
	ID               id.ID           `db:"id" json:"id"`
	TenantID         id.ID           `db:"tenant_id" json:"tenant_id"`
	ProductID        id.ID           `db:"product_id" json:"product_id"`
	LocationID       *id.ID          `db:"location_id" json:"location_id"`
	Quantity         types.Quantity  `db:"quantity" json:"quantity"`
	ExpirationDate   *time.Time      `db:"expiration_date" json:"expiration_date"`
	PurchaseDate     time.Time       `db:"purchase_date" json:"purchase_date"`
	UnitPrice        types.NullMoney `db:"unit_price" json:"unit_price"`
	Opened           bool            `db:"opened" json:"opened"`
	OpenedDate       *time.Time      `db:"opened_date" json:"opened_date"`
	Note             string          `db:"note" json:"note"`
	ExternalLotLabel string          `db:"external_lot_label" json:"external_lot_label"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Key returns the identity a lot is found-or-created by.
func (l *StockLot) Key() LotKey {
	return LotKey{ProductID: l.ProductID, LocationID: l.LocationID, Label: l.ExternalLotLabel}
}

// LotKey identifies a lot: product, location (nil = unlocated) and external label.
// With an empty label there is at most one lot per product and location.
type LotKey struct {
	ProductID  id.ID
	LocationID *id.ID
	Label      string
}

// LedgerEntry is one signed quantity delta against a lot.
// Entries are append-only; only Undone/UndoneAt ever change, exactly once.
type LedgerEntry struct {
	ID             id.ID          `db:"id" json:"id"`
	TenantID       id.ID          `db:"tenant_id" json:"tenant_id"`
	LotID          *id.ID         `db:"lot_id" json:"lot_id"`
	ProductID      id.ID          `db:"product_id" json:"product_id"`
	Kind           OperationKind  `db:"operation_kind" json:"operation_kind"`
	QuantityDelta  types.Quantity `db:"quantity_delta" json:"quantity_delta"`
	FromLocationID *id.ID         `db:"from_location_id" json:"from_location_id"`
	ToLocationID   *id.ID         `db:"to_location_id" json:"to_location_id"`
	CorrelationID  *id.ID         `db:"correlation_id" json:"correlation_id"`
	Note           string         `db:"note" json:"note"`
	Spoiled        bool           `db:"spoiled" json:"spoiled"`
	Snapshot       Snapshot       `db:"snapshot" json:"snapshot,omitempty"`
	Undone         bool           `db:"undone" json:"undone"`
	UndoneAt       *time.Time     `db:"undone_at" json:"undone_at"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// LotField names a lot attribute that can appear in a snapshot.
type LotField string

const (
	FieldQuantity       LotField = "quantity"
	FieldExpirationDate LotField = "expiration_date"
	FieldPurchaseDate   LotField = "purchase_date"
	FieldUnitPrice      LotField = "unit_price"
	FieldOpened         LotField = "opened"
	FieldOpenedDate     LotField = "opened_date"
	FieldNote           LotField = "note"
)

// FieldValue is one attribute value captured by an entry.
// Value is the JSON encoding of the attribute; JSON null clears nullable fields.
// Written, when set, is the value the entry left on the lot; undo restores
// Value only while the lot still holds it.
type FieldValue struct {
	Field   LotField        `json:"field"`
	Value   json.RawMessage `json:"value"`
	Written json.RawMessage `json:"written,omitempty"`
}

// Snapshot is the typed, per-field payload of an entry, stored as a JSONB array
// so that queries like `snapshot @> '[{"field":"unit_price"}]'` work.
type Snapshot []FieldValue

// Has reports whether the snapshot captured field f.
func (s Snapshot) Has(f LotField) bool {
	for _, fv := range s {
		if fv.Field == f {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer for the JSONB column.
func (s Snapshot) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]FieldValue(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for the JSONB column.
func (s *Snapshot) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("snapshot: unsupported source %T", src)
	}
	var out []FieldValue
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if len(out) == 0 {
		out = nil
	}
	*s = out
	return nil
}

// Product is the subset of catalog data the ledger reads.
type Product struct {
	ID                       id.ID  `db:"id" json:"id"`
	Name                     string `db:"name" json:"name"`
	DaysAfterOpen            *int   `db:"days_after_open" json:"days_after_open"`
	DefaultConsumeLocationID *id.ID `db:"default_consume_location_id" json:"default_consume_location_id"`
}

// Draw is one lot and the amount the planner takes from it.
type Draw struct {
	Lot    StockLot
	Amount types.Quantity
}

// Result is what every mutating operation returns and what idempotent replays reproduce.
type Result struct {
	Operation     string        `json:"operation"`
	CorrelationID *id.ID        `json:"correlation_id,omitempty"`
	Entries       []LedgerEntry `json:"entries"`
	Lots          []StockLot    `json:"lots"`
	Replayed      bool          `json:"replayed"`
}

// Mismatch reports a lot whose quantity disagrees with its ledger.
type Mismatch struct {
	LotID    id.ID          `json:"lot_id"`
	Quantity types.Quantity `json:"quantity"`
	Ledger   types.Quantity `json:"ledger_sum"`
}

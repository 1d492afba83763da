package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"stockbook/internal/core/types"
)

const dateLayout = "2006-01-02"

// Date truncates t to a UTC calendar date.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DatePtr truncates an optional date.
func DatePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := Date(*t)
	return &d
}

func encodeDate(t *time.Time) json.RawMessage {
	if t == nil {
		return json.RawMessage("null")
	}
	return json.RawMessage(`"` + t.UTC().Format(dateLayout) + `"`)
}

func decodeDate(raw json.RawMessage) (*time.Time, error) {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// captureFields records the current value of each field of lot.
func captureFields(lot *StockLot, fields ...LotField) (Snapshot, error) {
	snap := make(Snapshot, 0, len(fields))
	for _, f := range fields {
		var (
			raw json.RawMessage
			err error
		)
		switch f {
		case FieldQuantity:
			raw, err = json.Marshal(lot.Quantity)
		case FieldExpirationDate:
			raw = encodeDate(lot.ExpirationDate)
		case FieldPurchaseDate:
			raw = encodeDate(&lot.PurchaseDate)
		case FieldUnitPrice:
			raw, err = json.Marshal(lot.UnitPrice)
		case FieldOpened:
			raw, err = json.Marshal(lot.Opened)
		case FieldOpenedDate:
			raw = encodeDate(lot.OpenedDate)
		case FieldNote:
			raw, err = json.Marshal(lot.Note)
		default:
			return nil, fmt.Errorf("snapshot: unknown field %q", f)
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", f, err)
		}
		snap = append(snap, FieldValue{Field: f, Value: raw})
	}
	return snap, nil
}

// restoreAttributes writes the snapshot values back onto lot.
// Quantity is skipped: it only moves through deltas.
func restoreAttributes(lot *StockLot, snap Snapshot) error {
	for _, fv := range snap {
		var err error
		switch fv.Field {
		case FieldQuantity:
			continue
		case FieldExpirationDate:
			lot.ExpirationDate, err = decodeDate(fv.Value)
		case FieldPurchaseDate:
			var d *time.Time
			if d, err = decodeDate(fv.Value); err == nil && d != nil {
				lot.PurchaseDate = *d
			}
		case FieldUnitPrice:
			var price types.NullMoney
			if err = json.Unmarshal(fv.Value, &price); err == nil {
				lot.UnitPrice = price
			}
		case FieldOpened:
			err = json.Unmarshal(fv.Value, &lot.Opened)
		case FieldOpenedDate:
			lot.OpenedDate, err = decodeDate(fv.Value)
		case FieldNote:
			err = json.Unmarshal(fv.Value, &lot.Note)
		default:
			err = fmt.Errorf("unknown field %q", fv.Field)
		}
		if err != nil {
			return fmt.Errorf("restore %s: %w", fv.Field, err)
		}
	}
	return nil
}

// captureChange records each field's value on before together with the value
// written on after.
func captureChange(before, after *StockLot, fields ...LotField) (Snapshot, error) {
	snap, err := captureFields(before, fields...)
	if err != nil {
		return nil, err
	}
	written, err := captureFields(after, fields...)
	if err != nil {
		return nil, err
	}
	for i := range snap {
		snap[i].Written = written[i].Value
	}
	return snap, nil
}

// supersededField returns the first snapshot field whose current value on lot
// differs from what the entry wrote. Quantity is never compared.
func supersededField(lot *StockLot, snap Snapshot) (LotField, bool, error) {
	for _, fv := range snap {
		if fv.Field == FieldQuantity || len(fv.Written) == 0 {
			continue
		}
		written := *lot
		if err := restoreAttributes(&written, Snapshot{{Field: fv.Field, Value: fv.Written}}); err != nil {
			return "", false, err
		}
		if !fieldEqual(lot, &written, fv.Field) {
			return fv.Field, true, nil
		}
	}
	return "", false, nil
}

func fieldEqual(a, b *StockLot, f LotField) bool {
	switch f {
	case FieldExpirationDate:
		return sameDate(a.ExpirationDate, b.ExpirationDate)
	case FieldPurchaseDate:
		return Date(a.PurchaseDate).Equal(Date(b.PurchaseDate))
	case FieldUnitPrice:
		if !a.UnitPrice.Valid || !b.UnitPrice.Valid {
			return a.UnitPrice.Valid == b.UnitPrice.Valid
		}
		return a.UnitPrice.Decimal.Equal(b.UnitPrice.Decimal)
	case FieldOpened:
		return a.Opened == b.Opened
	case FieldOpenedDate:
		return sameDate(a.OpenedDate, b.OpenedDate)
	case FieldNote:
		return a.Note == b.Note
	}
	return true
}

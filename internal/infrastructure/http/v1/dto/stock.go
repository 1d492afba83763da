package dto

import (
	"time"

	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
	"stockbook/internal/domain/ledger"
)

// --- Requests ---

// AddRequest is the body of POST /stock/add.
type AddRequest struct {
	ProductID      id.ID          `json:"productId"`
	LocationID     *id.ID         `json:"locationId"`
	Quantity       types.Quantity `json:"quantity"`
	ExpirationDate *Date          `json:"expirationDate"`
	PurchaseDate   *Date          `json:"purchaseDate"`
	UnitPrice      *types.Money   `json:"unitPrice"`
	Note           string         `json:"note"`
	LotLabel       string         `json:"lotLabel"`
}

// ToInput converts the request to a domain input.
func (r AddRequest) ToInput(idempotencyKey string) ledger.AddInput {
	in := ledger.AddInput{
		ProductID:      r.ProductID,
		LocationID:     r.LocationID,
		Quantity:       r.Quantity,
		ExpirationDate: r.ExpirationDate.Ptr(),
		PurchaseDate:   r.PurchaseDate.Ptr(),
		Note:           r.Note,
		LotLabel:       r.LotLabel,
		IdempotencyKey: idempotencyKey,
	}
	if r.UnitPrice != nil {
		in.UnitPrice = types.SomeMoney(*r.UnitPrice)
	}
	return in
}

// ConsumeRequest is the body of POST /stock/consume.
type ConsumeRequest struct {
	ProductID          id.ID          `json:"productId"`
	LocationID         *id.ID         `json:"locationId"`
	IncludeDescendants bool           `json:"includeDescendants"`
	Quantity           types.Quantity `json:"quantity"`
	Spoiled            bool           `json:"spoiled"`
	Note               string         `json:"note"`
}

func (r ConsumeRequest) ToInput(idempotencyKey string) ledger.ConsumeInput {
	return ledger.ConsumeInput{
		ProductID:          r.ProductID,
		LocationID:         r.LocationID,
		IncludeDescendants: r.IncludeDescendants,
		Quantity:           r.Quantity,
		Spoiled:            r.Spoiled,
		Note:               r.Note,
		IdempotencyKey:     idempotencyKey,
	}
}

// TransferRequest is the body of POST /stock/transfer.
type TransferRequest struct {
	ProductID      id.ID          `json:"productId"`
	FromLocationID *id.ID         `json:"fromLocationId"`
	ToLocationID   *id.ID         `json:"toLocationId"`
	Quantity       types.Quantity `json:"quantity"`
	Note           string         `json:"note"`
}

func (r TransferRequest) ToInput(idempotencyKey string) ledger.TransferInput {
	return ledger.TransferInput{
		ProductID:      r.ProductID,
		FromLocationID: r.FromLocationID,
		ToLocationID:   r.ToLocationID,
		Quantity:       r.Quantity,
		Note:           r.Note,
		IdempotencyKey: idempotencyKey,
	}
}

// CorrectRequest is the body of POST /stock/correct.
type CorrectRequest struct {
	ProductID  id.ID          `json:"productId"`
	LocationID *id.ID         `json:"locationId"`
	LotLabel   string         `json:"lotLabel"`
	NewAmount  types.Quantity `json:"newAmount"`
	Note       string         `json:"note"`
}

func (r CorrectRequest) ToInput(idempotencyKey string) ledger.CorrectInput {
	return ledger.CorrectInput{
		ProductID:      r.ProductID,
		LocationID:     r.LocationID,
		LotLabel:       r.LotLabel,
		NewAmount:      r.NewAmount,
		Note:           r.Note,
		IdempotencyKey: idempotencyKey,
	}
}

// OpenRequest is the optional body of POST /lots/:id/open.
type OpenRequest struct {
	StayInPlace bool   `json:"stayInPlace"`
	Note        string `json:"note"`
}

func (r OpenRequest) ToInput(lotID id.ID, idempotencyKey string) ledger.OpenInput {
	return ledger.OpenInput{
		LotID:          lotID,
		StayInPlace:    r.StayInPlace,
		Note:           r.Note,
		IdempotencyKey: idempotencyKey,
	}
}

// EditRequest is the body of PATCH /lots/:id. Absent fields are left unchanged;
// Reason becomes the note of the edit entries.
type EditRequest struct {
	Quantity        *types.Quantity `json:"quantity"`
	ExpirationDate  *Date           `json:"expirationDate"`
	ClearExpiration bool            `json:"clearExpiration"`
	PurchaseDate    *Date           `json:"purchaseDate"`
	UnitPrice       *types.Money    `json:"unitPrice"`
	ClearUnitPrice  bool            `json:"clearUnitPrice"`
	Note            *string         `json:"note"`
	Reason          string          `json:"reason"`
}

func (r EditRequest) ToInput(lotID id.ID, idempotencyKey string) ledger.EditInput {
	return ledger.EditInput{
		LotID: lotID,
		Patch: ledger.LotPatch{
			Quantity:        r.Quantity,
			ExpirationDate:  r.ExpirationDate.Ptr(),
			ClearExpiration: r.ClearExpiration,
			PurchaseDate:    r.PurchaseDate.Ptr(),
			UnitPrice:       r.UnitPrice,
			ClearUnitPrice:  r.ClearUnitPrice,
			Note:            r.Note,
		},
		Note:           r.Reason,
		IdempotencyKey: idempotencyKey,
	}
}

// --- Responses ---

// LotResponse represents a stock lot in API responses.
type LotResponse struct {
	ID             string         `json:"id"`
	ProductID      string         `json:"productId"`
	LocationID     *string        `json:"locationId"`
	Quantity       types.Quantity `json:"quantity"`
	ExpirationDate *Date          `json:"expirationDate"`
	PurchaseDate   Date           `json:"purchaseDate"`
	UnitPrice      *types.Money   `json:"unitPrice"`
	Opened         bool           `json:"opened"`
	OpenedDate     *Date          `json:"openedDate"`
	Note           string         `json:"note,omitempty"`
	LotLabel       string         `json:"lotLabel,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// FromLot converts a lot to its response DTO.
func FromLot(l ledger.StockLot) LotResponse {
	resp := LotResponse{
		ID:             l.ID.String(),
		ProductID:      l.ProductID.String(),
		LocationID:     idString(l.LocationID),
		Quantity:       l.Quantity,
		ExpirationDate: DateFrom(l.ExpirationDate),
		PurchaseDate:   Date{Time: l.PurchaseDate},
		Opened:         l.Opened,
		OpenedDate:     DateFrom(l.OpenedDate),
		Note:           l.Note,
		LotLabel:       l.ExternalLotLabel,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
	if l.UnitPrice.Valid {
		price := l.UnitPrice.Decimal
		resp.UnitPrice = &price
	}
	return resp
}

// FromLots converts a slice of lots.
func FromLots(lots []ledger.StockLot) []LotResponse {
	out := make([]LotResponse, len(lots))
	for i, l := range lots {
		out[i] = FromLot(l)
	}
	return out
}

// EntryResponse represents a ledger entry in API responses.
type EntryResponse struct {
	ID             string              `json:"id"`
	LotID          *string             `json:"lotId"`
	ProductID      string              `json:"productId"`
	Kind           string              `json:"kind"`
	QuantityDelta  types.Quantity      `json:"quantityDelta"`
	FromLocationID *string             `json:"fromLocationId,omitempty"`
	ToLocationID   *string             `json:"toLocationId,omitempty"`
	CorrelationID  *string             `json:"correlationId,omitempty"`
	Note           string              `json:"note,omitempty"`
	Spoiled        bool                `json:"spoiled"`
	Snapshot       []ledger.FieldValue `json:"snapshot,omitempty"`
	Undone         bool                `json:"undone"`
	UndoneAt       *time.Time          `json:"undoneAt,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// FromEntry converts a ledger entry to its response DTO.
func FromEntry(e ledger.LedgerEntry) EntryResponse {
	return EntryResponse{
		ID:             e.ID.String(),
		LotID:          idString(e.LotID),
		ProductID:      e.ProductID.String(),
		Kind:           string(e.Kind),
		QuantityDelta:  e.QuantityDelta,
		FromLocationID: idString(e.FromLocationID),
		ToLocationID:   idString(e.ToLocationID),
		CorrelationID:  idString(e.CorrelationID),
		Note:           e.Note,
		Spoiled:        e.Spoiled,
		Snapshot:       e.Snapshot,
		Undone:         e.Undone,
		UndoneAt:       e.UndoneAt,
		CreatedAt:      e.CreatedAt,
	}
}

// FromEntries converts a slice of entries.
func FromEntries(entries []ledger.LedgerEntry) []EntryResponse {
	out := make([]EntryResponse, len(entries))
	for i, e := range entries {
		out[i] = FromEntry(e)
	}
	return out
}

// ResultResponse is returned by every mutating endpoint.
type ResultResponse struct {
	Operation     string          `json:"operation"`
	CorrelationID *string         `json:"correlationId,omitempty"`
	Entries       []EntryResponse `json:"entries"`
	Lots          []LotResponse   `json:"lots"`
	Replayed      bool            `json:"replayed"`
}

// FromResult converts an operation result.
func FromResult(r *ledger.Result) ResultResponse {
	return ResultResponse{
		Operation:     r.Operation,
		CorrelationID: idString(r.CorrelationID),
		Entries:       FromEntries(r.Entries),
		Lots:          FromLots(r.Lots),
		Replayed:      r.Replayed,
	}
}

// MismatchResponse reports one lot failing the ledger-sum check.
type MismatchResponse struct {
	LotID     string         `json:"lotId"`
	Quantity  types.Quantity `json:"quantity"`
	LedgerSum types.Quantity `json:"ledgerSum"`
}

// ReconcileResponse is the body of GET /reconcile.
type ReconcileResponse struct {
	Consistent bool               `json:"consistent"`
	Mismatches []MismatchResponse `json:"mismatches"`
}

// FromMismatches converts reconcile output.
func FromMismatches(ms []ledger.Mismatch) ReconcileResponse {
	out := ReconcileResponse{Consistent: len(ms) == 0, Mismatches: make([]MismatchResponse, len(ms))}
	for i, m := range ms {
		out.Mismatches[i] = MismatchResponse{LotID: m.LotID.String(), Quantity: m.Quantity, LedgerSum: m.Ledger}
	}
	return out
}

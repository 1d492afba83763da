package ledger

import (
	"context"
	"errors"
	"time"

	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
)

// Sentinel errors returned by storage bindings. The service translates them
// into apperror values at the operation boundary.
var (
	ErrLotNotFound          = errors.New("lot not found")
	ErrEntryNotFound        = errors.New("ledger entry not found")
	ErrProductNotFound      = errors.New("product not found")
	ErrLocationNotFound     = errors.New("location not found")
	ErrLotExists            = errors.New("lot already exists for key")
	ErrInsufficientQuantity = errors.New("insufficient lot quantity")
	ErrAlreadyUndone        = errors.New("ledger entry already undone")
	ErrTenantNotBound       = errors.New("no tenant bound to unit of work")
)

// Store opens tenant-bound units of work. Every repository handed to fn only
// sees rows of tenantID; with no tenant bound a storage binding returns no rows.
//
// Scoped commits when fn returns nil and discards every staged change otherwise.
type Store interface {
	Scoped(ctx context.Context, tenantID id.ID, fn func(ctx context.Context, uow UnitOfWork) error) error
	ReadScoped(ctx context.Context, tenantID id.ID, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// UnitOfWork groups the repositories of one tenant-bound transaction.
type UnitOfWork interface {
	TenantID() id.ID
	Lots() LotRepository
	Entries() EntryRepository
	Catalog() Catalog
	Idempotency() IdempotencyRepository
	Events() EventPublisher
}

// LocationSelector narrows lot queries by location.
type LocationSelector struct {
	// LocationID nil means every location, unlocated lots included,
	// unless Unlocated is set.
	LocationID *id.ID
	// IncludeDescendants widens LocationID to its whole subtree.
	IncludeDescendants bool
	// Unlocated restricts the query to lots without a location.
	Unlocated bool
}

// AtLocation selects exactly one location; nil selects unlocated lots.
func AtLocation(locationID *id.ID) LocationSelector {
	if locationID == nil {
		return LocationSelector{Unlocated: true}
	}
	return LocationSelector{LocationID: locationID}
}

// LotFilter is used by read-side lot listings.
type LotFilter struct {
	ProductID    *id.ID
	Location     LocationSelector
	IncludeEmpty bool
	// Limit 0 means no limit.
	Limit int
}

// LotRepository persists StockLot rows.
type LotRepository interface {
	Get(ctx context.Context, lotID id.ID) (*StockLot, error)

	// GetForUpdate locks the row for the rest of the unit of work.
	GetForUpdate(ctx context.Context, lotID id.ID) (*StockLot, error)

	// FindByKeyForUpdate returns (nil, nil) when no lot matches.
	FindByKeyForUpdate(ctx context.Context, key LotKey) (*StockLot, error)

	// ListAvailable returns lots with quantity > 0, already in FIFO order:
	// expiration ascending, nil expirations last, then creation order.
	ListAvailable(ctx context.Context, productID id.ID, sel LocationSelector) ([]StockLot, error)

	List(ctx context.Context, filter LotFilter) ([]StockLot, error)

	// Insert fails with ErrLotExists when a lot with the same key exists.
	Insert(ctx context.Context, lot *StockLot) error

	// ApplyDelta atomically adds delta to quantity unless the result would be negative,
	// in which case it fails with ErrInsufficientQuantity and changes nothing.
	ApplyDelta(ctx context.Context, lotID id.ID, delta types.Quantity) (*StockLot, error)

	// UpdateAttributes writes every attribute except quantity and identity.
	UpdateAttributes(ctx context.Context, lot *StockLot) error
}

// HistoryFilter is used by read-side history queries.
type HistoryFilter struct {
	LotID         *id.ID
	ProductID     *id.ID
	CorrelationID *id.ID
	Kinds         []OperationKind
	IncludeUndone bool
	// After is a keyset cursor: only entries with a greater id are returned.
	After *id.ID
	// Limit 0 means no limit.
	Limit int
}

// EntryRepository persists LedgerEntry rows.
type EntryRepository interface {
	Insert(ctx context.Context, entries ...*LedgerEntry) error
	Get(ctx context.Context, entryID id.ID) (*LedgerEntry, error)
	GetForUpdate(ctx context.Context, entryID id.ID) (*LedgerEntry, error)
	ListByCorrelation(ctx context.Context, correlationID id.ID) ([]LedgerEntry, error)
	List(ctx context.Context, filter HistoryFilter) ([]LedgerEntry, error)

	// MarkUndone flips undone for every id, all or nothing.
	// It fails with ErrAlreadyUndone if any entry was already undone.
	MarkUndone(ctx context.Context, entryIDs []id.ID, at time.Time) error

	// SumByLot returns the non-undone delta sum per lot.
	SumByLot(ctx context.Context) (map[id.ID]types.Quantity, error)
}

// Catalog is the read-only view of products and the location hierarchy.
type Catalog interface {
	Product(ctx context.Context, productID id.ID) (*Product, error)
	LocationExists(ctx context.Context, locationID id.ID) (bool, error)
}

// IdempotencyRecord is a stored operation result keyed by a caller token.
type IdempotencyRecord struct {
	Key         string    `db:"idempotency_key"`
	Operation   string    `db:"operation"`
	RequestHash string    `db:"request_hash"`
	Response    []byte    `db:"response"`
	CreatedAt   time.Time `db:"created_at"`
	ExpiresAt   time.Time `db:"expires_at"`
}

// IdempotencyRepository implements store-and-check inside the unit of work.
type IdempotencyRepository interface {
	// Claim reserves key. It returns (nil, nil) when the key was free and is now held
	// by this unit of work, or the stored record when the key was used before.
	Claim(ctx context.Context, rec IdempotencyRecord) (*IdempotencyRecord, error)
	Complete(ctx context.Context, key string, response []byte) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Event types published after each committed operation.
const (
	EventStockChanged = "stock.changed"
	EventLotDepleted  = "stock.lot_depleted"
)

// Event is a domain event written to the outbox in the same unit of work.
type Event struct {
	Type          string    `json:"type"`
	TenantID      id.ID     `json:"tenant_id"`
	Operation     string    `json:"operation"`
	CorrelationID *id.ID    `json:"correlation_id,omitempty"`
	LotIDs        []id.ID   `json:"lot_ids"`
	EntryIDs      []id.ID   `json:"entry_ids"`
	ProductID     id.ID     `json:"product_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EventPublisher stages events with the unit of work.
type EventPublisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Package memory is an in-process ledger.Store. Each tenant owns a separate
// partition; a unit of work runs against a copy of it and the copy replaces
// the partition only when the unit of work succeeds.
package memory

import (
	"context"
	"sync"

	"stockbook/internal/core/id"
	"stockbook/internal/core/types"
	"stockbook/internal/domain/ledger"
)

type location struct {
	parent *id.ID
}

type partition struct {
	lots        map[id.ID]ledger.StockLot
	entries     map[id.ID]ledger.LedgerEntry
	products    map[id.ID]ledger.Product
	locations   map[id.ID]location
	closure     map[id.ID]map[id.ID]int // ancestor -> descendant -> depth
	idempotency map[string]ledger.IdempotencyRecord
}

func newPartition() *partition {
	return &partition{
		lots:        make(map[id.ID]ledger.StockLot),
		entries:     make(map[id.ID]ledger.LedgerEntry),
		products:    make(map[id.ID]ledger.Product),
		locations:   make(map[id.ID]location),
		closure:     make(map[id.ID]map[id.ID]int),
		idempotency: make(map[string]ledger.IdempotencyRecord),
	}
}

func (p *partition) clone() *partition {
	c := newPartition()
	for k, v := range p.lots {
		c.lots[k] = v
	}
	for k, v := range p.entries {
		c.entries[k] = v
	}
	for k, v := range p.products {
		c.products[k] = v
	}
	for k, v := range p.locations {
		c.locations[k] = v
	}
	for k, v := range p.closure {
		inner := make(map[id.ID]int, len(v))
		for d, depth := range v {
			inner[d] = depth
		}
		c.closure[k] = inner
	}
	for k, v := range p.idempotency {
		c.idempotency[k] = v
	}
	return c
}

// Store implements ledger.Store in memory. Units of work are serialized.
type Store struct {
	mu         sync.Mutex
	partitions map[id.ID]*partition
	published  []ledger.Event
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{partitions: make(map[id.ID]*partition)}
}

// Scoped runs fn against a copy of the tenant partition and commits it when fn succeeds.
func (s *Store) Scoped(ctx context.Context, tenantID id.ID, fn func(ctx context.Context, uow ledger.UnitOfWork) error) error {
	if id.IsNil(tenantID) {
		return ledger.ErrTenantNotBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	base, ok := s.partitions[tenantID]
	if !ok {
		base = newPartition()
	}
	uow := &unitOfWork{tenantID: tenantID, p: base.clone()}
	if err := fn(ctx, uow); err != nil {
		return err
	}
	s.partitions[tenantID] = uow.p
	s.published = append(s.published, uow.events...)
	return nil
}

// ReadScoped runs fn against a copy of the tenant partition and discards it.
func (s *Store) ReadScoped(ctx context.Context, tenantID id.ID, fn func(ctx context.Context, uow ledger.UnitOfWork) error) error {
	if id.IsNil(tenantID) {
		return ledger.ErrTenantNotBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.partitions[tenantID]
	if !ok {
		base = newPartition()
	}
	return fn(ctx, &unitOfWork{tenantID: tenantID, p: base.clone()})
}

func (s *Store) partition(tenantID id.ID) *partition {
	p, ok := s.partitions[tenantID]
	if !ok {
		p = newPartition()
		s.partitions[tenantID] = p
	}
	return p
}

// AddProduct registers a product for tenantID.
func (s *Store) AddProduct(tenantID id.ID, p ledger.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition(tenantID).products[p.ID] = p
}

// AddLocation registers a location under parent (nil = root) and extends the closure.
func (s *Store) AddLocation(tenantID, locationID id.ID, parent *id.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partition(tenantID)
	p.locations[locationID] = location{parent: parent}
	p.closure[locationID] = map[id.ID]int{locationID: 0}
	if parent == nil {
		return
	}
	for ancestor, descendants := range p.closure {
		if depth, ok := descendants[*parent]; ok {
			descendants[locationID] = depth + 1
			p.closure[ancestor] = descendants
		}
	}
}

// Published returns every event committed so far.
func (s *Store) Published() []ledger.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Event, len(s.published))
	copy(out, s.published)
	return out
}

// ForceQuantity overwrites a lot's quantity without a ledger entry.
// It exists to simulate drift in reconciliation tests.
func (s *Store) ForceQuantity(tenantID, lotID id.ID, qty types.Quantity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partition(tenantID)
	lot, ok := p.lots[lotID]
	if !ok {
		return false
	}
	lot.Quantity = qty
	p.lots[lotID] = lot
	return true
}

type unitOfWork struct {
	tenantID id.ID
	p        *partition
	events   []ledger.Event
}

func (u *unitOfWork) TenantID() id.ID { return u.tenantID }

func (u *unitOfWork) Lots() ledger.LotRepository { return &lotRepo{uow: u} }

func (u *unitOfWork) Entries() ledger.EntryRepository { return &entryRepo{uow: u} }

func (u *unitOfWork) Catalog() ledger.Catalog { return &catalog{uow: u} }

func (u *unitOfWork) Idempotency() ledger.IdempotencyRepository { return &idempotencyRepo{uow: u} }

func (u *unitOfWork) Events() ledger.EventPublisher { return u }

// Publish stages events until the unit of work commits.
func (u *unitOfWork) Publish(_ context.Context, events ...ledger.Event) error {
	u.events = append(u.events, events...)
	return nil
}

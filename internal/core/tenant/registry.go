package tenant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"stockbook/internal/core/id"
)

// Registry provides access to tenant metadata.
type Registry interface {
	// GetByID retrieves tenant by id.
	GetByID(ctx context.Context, tenantID id.ID) (*Tenant, error)

	// ListActive returns all active tenants.
	ListActive(ctx context.Context) ([]*Tenant, error)

	// ListAll returns all tenants.
	ListAll(ctx context.Context) ([]*Tenant, error)

	// UpdateStatusByID updates tenant status.
	UpdateStatusByID(ctx context.Context, tenantID id.ID, status Status) error
}

const tenantColumns = `id, slug, display_name, status, created_at, updated_at`

// PostgresRegistry implements Registry over the tenants table.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

func (r *PostgresRegistry) GetByID(ctx context.Context, tenantID id.ID) (*Tenant, error) {
	var t Tenant
	err := pgxscan.Get(ctx, r.pool, &t, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("get tenant by id: %w", err)
	}
	return &t, nil
}

func (r *PostgresRegistry) ListActive(ctx context.Context) ([]*Tenant, error) {
	var tenants []*Tenant
	err := pgxscan.Select(ctx, r.pool, &tenants,
		`SELECT `+tenantColumns+` FROM tenants WHERE status = $1 ORDER BY slug`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	return tenants, nil
}

func (r *PostgresRegistry) ListAll(ctx context.Context) ([]*Tenant, error) {
	var tenants []*Tenant
	err := pgxscan.Select(ctx, r.pool, &tenants, `SELECT `+tenantColumns+` FROM tenants ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

func (r *PostgresRegistry) UpdateStatusByID(ctx context.Context, tenantID id.ID, status Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tenants
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`, tenantID, status)
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// Create inserts a tenant. Slugs are unique.
func (r *PostgresRegistry) Create(ctx context.Context, t *Tenant) error {
	if id.IsNil(t.ID) {
		t.ID = id.New()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.Slug, t.DisplayName, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create tenant %q: %w", t.Slug, err)
	}
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)

// MemoryRegistry is a Registry held in process memory. Used by tests and local runs.
type MemoryRegistry struct {
	mu      sync.RWMutex
	tenants map[id.ID]Tenant
}

func NewMemoryRegistry(tenants ...Tenant) *MemoryRegistry {
	r := &MemoryRegistry{tenants: make(map[id.ID]Tenant, len(tenants))}
	for _, t := range tenants {
		r.Put(t)
	}
	return r
}

// Put inserts or replaces a tenant.
func (r *MemoryRegistry) Put(t Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
		t.UpdatedAt = t.CreatedAt
	}
	r.tenants[t.ID] = t
}

func (r *MemoryRegistry) GetByID(_ context.Context, tenantID id.ID) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return &t, nil
}

func (r *MemoryRegistry) ListActive(ctx context.Context) ([]*Tenant, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, t := range all {
		if t.IsActive() {
			active = append(active, t)
		}
	}
	return active, nil
}

func (r *MemoryRegistry) ListAll(ctx context.Context) ([]*Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (r *MemoryRegistry) UpdateStatusByID(_ context.Context, tenantID id.ID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[tenantID]
	if !ok {
		return ErrTenantNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	r.tenants[tenantID] = t
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)

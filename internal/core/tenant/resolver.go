package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"stockbook/internal/core/id"
	"stockbook/pkg/logger"
)

// ResolverConfig configures Resolver behavior.
type ResolverConfig struct {
	// TTL bounds how long a registry lookup is trusted (0 = no caching).
	TTL time.Duration

	// EvictionPeriod controls how often expired entries are dropped (0 = never).
	EvictionPeriod time.Duration

	// PrewarmConcurrency limits parallel registry lookups in Prewarm.
	PrewarmConcurrency int
}

// DefaultResolverConfig returns production-safe defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		TTL:                30 * time.Second,
		EvictionPeriod:     time.Minute,
		PrewarmConcurrency: 8,
	}
}

type cachedTenant struct {
	tenant   *Tenant
	loadedAt int64 // unix nano
}

// Resolver validates tenant ids against the registry and caches the result.
// A tenant that is missing or not active is rejected before any unit of work starts.
// Thread-safe for concurrent access.
type Resolver struct {
	config   ResolverConfig
	registry Registry

	entries sync.Map // map[id.ID]*cachedTenant
	hits    atomic.Int64
	misses  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
	now    func() time.Time
}

// NewResolver creates a tenant resolver and starts its eviction loop.
func NewResolver(cfg ResolverConfig, registry Registry, log *logger.Logger) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Resolver{
		config:   cfg,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		log:      log.WithComponent("tenant-resolver"),
		now:      time.Now,
	}

	if cfg.TTL > 0 && cfg.EvictionPeriod > 0 {
		r.wg.Add(1)
		go r.evictionLoop()
	}

	return r
}

// Resolve returns the active tenant for tenantID.
// Errors: ErrTenantNotFound, ErrTenantNotActive, or a wrapped registry error.
func (r *Resolver) Resolve(ctx context.Context, tenantID id.ID) (*Tenant, error) {
	if id.IsNil(tenantID) {
		return nil, ErrTenantNotFound
	}

	if val, ok := r.entries.Load(tenantID); ok {
		entry := val.(*cachedTenant)
		if r.fresh(entry) {
			r.hits.Add(1)
			return checkActive(entry.tenant)
		}
	}
	r.misses.Add(1)

	t, err := r.registry.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			r.entries.Delete(tenantID)
			return nil, err
		}
		return nil, fmt.Errorf("tenant lookup failed: %w", err)
	}

	if r.config.TTL > 0 {
		r.entries.Store(tenantID, &cachedTenant{tenant: t, loadedAt: r.now().UnixNano()})
	}
	return checkActive(t)
}

func checkActive(t *Tenant) (*Tenant, error) {
	if !t.IsActive() {
		return nil, fmt.Errorf("%w: status=%s", ErrTenantNotActive, t.Status)
	}
	return t, nil
}

func (r *Resolver) fresh(entry *cachedTenant) bool {
	return r.now().UnixNano()-entry.loadedAt < r.config.TTL.Nanoseconds()
}

// Invalidate drops the cached entry, e.g. after a status change.
func (r *Resolver) Invalidate(tenantID id.ID) {
	r.entries.Delete(tenantID)
}

// evictionLoop drops expired entries periodically.
func (r *Resolver) evictionLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.EvictionPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.evictExpired()
		}
	}
}

func (r *Resolver) evictExpired() {
	var evicted int
	r.entries.Range(func(key, value any) bool {
		if !r.fresh(value.(*cachedTenant)) {
			r.entries.Delete(key)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		r.log.Debugw("evicted tenant cache entries", "count", evicted)
	}
}

// ActiveTenants lists active tenants straight from the registry.
func (r *Resolver) ActiveTenants(ctx context.Context) ([]*Tenant, error) {
	return r.registry.ListActive(ctx)
}

// Prewarm loads every active tenant into the cache.
func (r *Resolver) Prewarm(ctx context.Context) error {
	tenants, err := r.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.config.PrewarmConcurrency > 0 {
		g.SetLimit(r.config.PrewarmConcurrency)
	}
	for _, t := range tenants {
		tenantID := t.ID
		g.Go(func() error {
			if _, err := r.Resolve(gctx, tenantID); err != nil {
				return fmt.Errorf("prewarm %s: %w", tenantID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.log.Infow("tenant cache prewarmed", "tenant_count", len(tenants))
	return nil
}

// ResolverStats contains cache statistics.
type ResolverStats struct {
	Cached int
	Hits   int64
	Misses int64
}

// Stats returns current cache statistics.
func (r *Resolver) Stats() ResolverStats {
	var cached int
	r.entries.Range(func(_, _ any) bool {
		cached++
		return true
	})
	return ResolverStats{Cached: cached, Hits: r.hits.Load(), Misses: r.misses.Load()}
}

// Close stops background workers.
func (r *Resolver) Close() {
	r.cancel()
	r.wg.Wait()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stockbook/internal/core/id"
	"stockbook/internal/domain/ledger"
)

const settingsPrefix = "stockbook:product"

// ProductSettings caches the open settings of products per tenant.
// A nil *ProductSettings or one without a client is a no-op cache.
type ProductSettings struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ledger.SettingsCache = (*ProductSettings)(nil)

// NewProductSettings creates the cache. Entries expire after ttl.
func NewProductSettings(client *redis.Client, ttl time.Duration) *ProductSettings {
	return &ProductSettings{client: client, ttl: ttl}
}

func settingsKey(tenantID, productID id.ID) string {
	return strings.Join([]string{settingsPrefix, tenantID.String(), productID.String()}, ":")
}

// Product returns the cached product, or (nil, nil) on a miss.
func (c *ProductSettings) Product(ctx context.Context, tenantID, productID id.ID) (*ledger.Product, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	payload, err := c.client.Get(ctx, settingsKey(tenantID, productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get product: %w", err)
	}

	var p ledger.Product
	if err := json.Unmarshal(payload, &p); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = c.client.Del(ctx, settingsKey(tenantID, productID)).Err()
		return nil, nil
	}
	return &p, nil
}

// StoreProduct caches p for tenantID.
func (c *ProductSettings) StoreProduct(ctx context.Context, tenantID id.ID, p *ledger.Product) error {
	if c == nil || c.client == nil || p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("cache: marshal product: %w", err)
	}
	if err := c.client.Set(ctx, settingsKey(tenantID, p.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set product: %w", err)
	}
	return nil
}

// InvalidateTenant drops every cached product of a tenant.
func (c *ProductSettings) InvalidateTenant(ctx context.Context, tenantID id.ID) (int, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	pattern := strings.Join([]string{settingsPrefix, tenantID.String(), "*"}, ":")

	removed := 0
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("cache: delete %s: %w", iter.Val(), err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cache: scan: %w", err)
	}
	return removed, nil
}

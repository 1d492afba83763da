package tenant

import (
	"context"

	"stockbook/internal/core/id"
)

type ctxKey int

const tenantKey ctxKey = iota

// WithTenant stores the resolved tenant in context.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// GetTenant retrieves tenant from context.
func GetTenant(ctx context.Context) *Tenant {
	t, _ := ctx.Value(tenantKey).(*Tenant)
	return t
}

// GetTenantID returns the tenant ID bound to ctx.
func GetTenantID(ctx context.Context) (id.ID, error) {
	if t := GetTenant(ctx); t != nil {
		return t.ID, nil
	}
	return id.Nil(), ErrNoTenantInContext
}

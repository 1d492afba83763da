package middleware

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"stockbook/internal/core/apperror"
	"stockbook/internal/core/id"
	"stockbook/internal/core/tenant"
	"stockbook/pkg/logger"
)

const (
	// TenantHeader is the HTTP header for tenant identification.
	TenantHeader = "X-Tenant-ID"

	ctxKeyTenantID = "tenant_id"
)

// TenantResolver looks up an active tenant.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID id.ID) (*tenant.Tenant, error)
}

// Tenant middleware resolves the tenant from X-Tenant-ID and binds it to the
// request context. Unknown and suspended tenants are both reported as not found.
func Tenant(resolver TenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		raw := c.GetHeader(TenantHeader)
		if raw == "" {
			_ = c.Error(apperror.NewValidation("tenant is required").
				WithDetail("header", TenantHeader))
			c.Abort()
			return
		}

		tenantID, err := id.Parse(raw)
		if err != nil {
			_ = c.Error(apperror.NewValidation("invalid tenant id").
				WithDetail("header", TenantHeader).
				WithDetail("value", raw))
			c.Abort()
			return
		}

		t, err := resolver.Resolve(ctx, tenantID)
		if err != nil {
			switch {
			case errors.Is(err, tenant.ErrTenantNotFound), errors.Is(err, tenant.ErrTenantNotActive):
				logger.Debug(ctx, "tenant rejected", "tenant_id", raw, "error", err)
				_ = c.Error(apperror.NewNotFound("tenant", raw))
			default:
				_ = c.Error(apperror.NewInternal(err).WithDetail("tenant_id", raw))
			}
			c.Abort()
			return
		}

		ctx = tenant.WithTenant(ctx, t)
		ctx = logger.WithFields(ctx, "tenant_id", t.ID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Set(ctxKeyTenantID, t.ID.String())

		c.Next()
	}
}

// TenantID returns the tenant bound by the Tenant middleware.
func TenantID(c *gin.Context) (id.ID, error) {
	return tenant.GetTenantID(c.Request.Context())
}

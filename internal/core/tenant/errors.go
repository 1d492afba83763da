package tenant

import "errors"

var (
	// ErrTenantNotFound is returned when tenant does not exist in the registry.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantNotActive is returned when tenant exists but is not active.
	ErrTenantNotActive = errors.New("tenant is not active")

	// ErrNoTenantInContext is returned when a request carries no tenant.
	ErrNoTenantInContext = errors.New("tenant not found in context")
)

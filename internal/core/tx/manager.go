// Package tx provides transaction management abstractions.
// Domain code depends on these interfaces; the implementation lives in
// infrastructure/storage/postgres.
package tx

import (
	"context"
	"errors"

	"stockbook/internal/core/id"
)

// ErrTenantMismatch is returned when a nested unit of work asks for a
// different tenant than the enclosing transaction is bound to.
var ErrTenantMismatch = errors.New("transaction is bound to a different tenant")

// Manager defines the contract for transaction management.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TenantManager runs transactions bound to exactly one tenant.
// Every statement issued inside fn only sees rows of tenantID.
type TenantManager interface {
	RunScoped(ctx context.Context, tenantID id.ID, fn func(ctx context.Context) error) error
	ReadOnlyScoped(ctx context.Context, tenantID id.ID, fn func(ctx context.Context) error) error
}

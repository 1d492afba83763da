package ledger_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockbook/internal/core/id"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/storage/postgres"
)

// CatalogRepo implements ledger.Catalog over products and the location closure.
type CatalogRepo struct {
	scope *Scope
}

func (r *CatalogRepo) productQuery(productID id.ID) squirrel.SelectBuilder {
	return r.scope.builder.
		Select(productColumns...).
		From(productsTable).
		Where(r.scope.tenant(productsTable)).
		Where(squirrel.Eq{"id": productID})
}

// Product returns the open settings of a product.
func (r *CatalogRepo) Product(ctx context.Context, productID id.ID) (*ledger.Product, error) {
	sql, args, err := r.productQuery(productID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var p ledger.Product
	if err := pgxscan.Get(ctx, r.scope.querier(ctx), &p, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ledger.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// LocationExists reports whether the location is visible to the tenant.
func (r *CatalogRepo) LocationExists(ctx context.Context, locationID id.ID) (bool, error) {
	sql := "SELECT EXISTS (SELECT 1 FROM " + locationsTable + " WHERE tenant_id = $1 AND id = $2)"

	var exists bool
	if err := r.scope.querier(ctx).QueryRow(ctx, sql, r.scope.tenantID, locationID).Scan(&exists); err != nil {
		return false, fmt.Errorf("location exists: %w", err)
	}
	return exists, nil
}

// CreateLocation inserts a location under parent (nil = root). The closure is
// maintained by a trigger.
func (s *Store) CreateLocation(ctx context.Context, tenantID, locationID id.ID, name string, parent *id.ID) error {
	return s.txm.RunScoped(ctx, tenantID, func(ctx context.Context) error {
		sql, args, err := builder().
			Insert(locationsTable).
			Columns("id", "tenant_id", "name", "parent_id").
			Values(locationID, tenantID, name, parent).
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert location %q: %w", name, err)
		}
		return nil
	})
}

// CreateProduct inserts a product with its open settings.
func (s *Store) CreateProduct(ctx context.Context, tenantID id.ID, p ledger.Product) error {
	return s.txm.RunScoped(ctx, tenantID, func(ctx context.Context) error {
		data := postgres.StructToMap(p)
		data["tenant_id"] = tenantID
		sql, args, err := builder().Insert(productsTable).SetMap(data).ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert product %q: %w", p.Name, err)
		}
		return nil
	})
}

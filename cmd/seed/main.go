// Package main provides a CLI tool for seeding the database with a demo tenant.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"stockbook/internal/app"
	"stockbook/internal/config"
	"stockbook/internal/core/id"
	"stockbook/internal/core/tenant"
	"stockbook/internal/core/types"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/storage/postgres"
	"stockbook/pkg/logger"
)

const demoSlug = "demo"

func main() {
	log, err := logger.New(logger.Config{
		Level:       "info",
		Development: true,
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("failed to load config", "error", err)
	}

	ctx := context.Background()

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to connect", "error", err)
	}
	defer deps.Close()

	if err := postgres.Migrate(ctx, deps.TxM); err != nil {
		log.Fatalw("failed to apply schema", "error", err)
	}

	tenants, err := deps.Registry.ListAll(ctx)
	if err != nil {
		log.Fatalw("failed to list tenants", "error", err)
	}
	for _, t := range tenants {
		if t.Slug == demoSlug {
			log.Infow("demo tenant already seeded", "tenant_id", t.ID.String())
			return
		}
	}

	t := &tenant.Tenant{Slug: demoSlug, DisplayName: "Demo Household", Status: tenant.StatusActive}
	if err := deps.Registry.Create(ctx, t); err != nil {
		log.Fatalw("failed to create demo tenant", "error", err)
	}

	if err := seedDemoData(ctx, deps, t.ID, log); err != nil {
		log.Fatalw("failed to seed demo data", "error", err)
	}

	log.Infow("seeding completed successfully", "tenant_id", t.ID.String())
}

type demoLocations struct {
	house, pantry, kitchen, fridge id.ID
}

func seedLocations(ctx context.Context, deps *app.App, tenantID id.ID) (demoLocations, error) {
	locs := demoLocations{house: id.New(), pantry: id.New(), kitchen: id.New(), fridge: id.New()}

	tree := []struct {
		id     id.ID
		name   string
		parent *id.ID
	}{
		{locs.house, "House", nil},
		{locs.pantry, "Pantry", &locs.house},
		{locs.kitchen, "Kitchen", &locs.house},
		{locs.fridge, "Fridge", &locs.kitchen},
	}
	for _, l := range tree {
		if err := deps.Store.CreateLocation(ctx, tenantID, l.id, l.name, l.parent); err != nil {
			return locs, err
		}
	}
	return locs, nil
}

func seedDemoData(ctx context.Context, deps *app.App, tenantID id.ID, log *logger.Logger) error {
	locs, err := seedLocations(ctx, deps, tenantID)
	if err != nil {
		return fmt.Errorf("seed locations: %w", err)
	}

	threeDays := 3
	milk := ledger.Product{ID: id.New(), Name: "Milk", DaysAfterOpen: &threeDays, DefaultConsumeLocationID: &locs.fridge}
	rice := ledger.Product{ID: id.New(), Name: "Rice"}
	for _, p := range []ledger.Product{milk, rice} {
		if err := deps.Store.CreateProduct(ctx, tenantID, p); err != nil {
			return fmt.Errorf("seed products: %w", err)
		}
	}
	log.Infow("catalog seeded", "locations", 4, "products", 2)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	inDays := func(n int) *time.Time {
		d := today.AddDate(0, 0, n)
		return &d
	}

	adds := []ledger.AddInput{
		{ProductID: milk.ID, LocationID: &locs.pantry, Quantity: types.NewQuantity(2), ExpirationDate: inDays(10), LotLabel: "M-1"},
		{ProductID: milk.ID, LocationID: &locs.pantry, Quantity: types.NewQuantity(1), ExpirationDate: inDays(4), LotLabel: "M-2"},
		{ProductID: rice.ID, LocationID: &locs.pantry, Quantity: types.NewQuantity(5), Note: "bulk bag"},
	}
	for i, in := range adds {
		in.IdempotencyKey = fmt.Sprintf("seed-add-%d", i)
		if _, err := deps.Ledger.Add(ctx, tenantID, in); err != nil {
			return fmt.Errorf("seed stock: %w", err)
		}
	}

	if _, err := deps.Ledger.Consume(ctx, tenantID, ledger.ConsumeInput{
		ProductID:      milk.ID,
		Quantity:       types.NewQuantity(1),
		IdempotencyKey: "seed-consume-0",
	}); err != nil {
		return fmt.Errorf("seed consume: %w", err)
	}
	log.Infow("stock seeded", "adds", len(adds))
	return nil
}

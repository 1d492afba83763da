// Package main provides the stockbook operator CLI.
// Usage: ledgerctl migrate
//
//	ledgerctl tenant create --slug acme --name "ACME Corp"
//	ledgerctl tenant list
//	ledgerctl verify --tenant <tenant-uuid>
//	ledgerctl export-history --tenant <tenant-uuid> --out history.ndjson.zst
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"stockbook/internal/app"
	"stockbook/internal/config"
	"stockbook/internal/core/id"
	"stockbook/internal/core/tenant"
	"stockbook/internal/infrastructure/export"
	"stockbook/internal/infrastructure/storage/postgres"
	"stockbook/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "migrate":
		migrate(ctx)
	case "tenant":
		tenantCommand(ctx)
	case "verify":
		verify(ctx)
	case "export-history":
		exportHistory(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`stockbook ledger CLI

Usage:
  ledgerctl <command> [options]

Commands:
  migrate                    Apply the database schema
  tenant create              Register a new tenant
  tenant list                List all tenants
  tenant suspend <id>        Suspend a tenant
  tenant activate <id>       Activate a suspended tenant
  verify                     Check every lot against its ledger entries
  export-history             Write a tenant's history as zstd-compressed NDJSON
  help                       Show this help

Environment Variables:
  STOCKBOOK_DATABASE_URL     Connection string (required)
  STOCKBOOK_REDIS_ADDR       Redis address for the settings cache

Examples:
  ledgerctl tenant create --slug acme --name "ACME Corporation"
  ledgerctl verify --tenant <tenant-uuid>
  ledgerctl export-history --tenant <tenant-uuid> --out acme.ndjson.zst --include-undone`)
}

func fail(format string, args ...any) {
	fmt.Printf("Error: "+format+"\n", args...)
	os.Exit(1)
}

// open loads config and connects. Callers defer Close.
func open(ctx context.Context) *app.App {
	cfg, err := config.Load()
	if err != nil {
		fail("%v", err)
	}
	log, err := logger.New(logger.Config{Level: "warn"})
	if err != nil {
		fail("logger: %v", err)
	}
	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		fail("%v", err)
	}
	return deps
}

// flagValue returns the argument following name, or "".
func flagValue(args []string, name string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func requireTenantID(args []string) id.ID {
	raw := flagValue(args, "--tenant")
	if raw == "" {
		fail("--tenant <tenant-uuid> is required")
	}
	tenantID, err := id.Parse(raw)
	if err != nil {
		fail("invalid tenant id %q: %v", raw, err)
	}
	return tenantID
}

func migrate(ctx context.Context) {
	deps := open(ctx)
	defer deps.Close()

	if err := postgres.Migrate(ctx, deps.TxM); err != nil {
		fail("%v", err)
	}
	fmt.Println("✓ Schema applied")
}

func tenantCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}
	args := os.Args[3:]

	switch os.Args[2] {
	case "create":
		createTenant(ctx, args)
	case "list":
		listTenants(ctx)
	case "suspend":
		setTenantStatus(ctx, args, tenant.StatusSuspended)
	case "activate":
		setTenantStatus(ctx, args, tenant.StatusActive)
	default:
		fmt.Printf("Unknown tenant command: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func createTenant(ctx context.Context, args []string) {
	slug := flagValue(args, "--slug")
	name := flagValue(args, "--name")
	if slug == "" || name == "" {
		fmt.Println("Usage: ledgerctl tenant create --slug <slug> --name <name>")
		fail("--slug and --name are required")
	}

	deps := open(ctx)
	defer deps.Close()

	t := &tenant.Tenant{Slug: strings.ToLower(slug), DisplayName: name, Status: tenant.StatusActive}
	if err := deps.Registry.Create(ctx, t); err != nil {
		fail("registering tenant: %v", err)
	}

	fmt.Printf("✓ Tenant '%s' created\n", t.Slug)
	fmt.Printf("  Tenant ID: %s\n", t.ID)
}

func listTenants(ctx context.Context) {
	deps := open(ctx)
	defer deps.Close()

	tenants, err := deps.Registry.ListAll(ctx)
	if err != nil {
		fail("listing tenants: %v", err)
	}
	if len(tenants) == 0 {
		fmt.Println("No tenants found")
		return
	}

	fmt.Printf("%-36s %-20s %-30s %-10s\n", "TENANT_ID", "SLUG", "NAME", "STATUS")
	fmt.Println(strings.Repeat("-", 99))
	for _, t := range tenants {
		fmt.Printf("%-36s %-20s %-30s %-10s\n",
			t.ID,
			truncate(t.Slug, 20),
			truncate(t.DisplayName, 30),
			t.Status,
		)
	}
}

func setTenantStatus(ctx context.Context, args []string, status tenant.Status) {
	if len(args) < 1 {
		fail("usage: ledgerctl tenant %s <tenant-uuid>", os.Args[2])
	}
	tenantID, err := id.Parse(args[0])
	if err != nil {
		fail("invalid tenant id %q: %v", args[0], err)
	}

	deps := open(ctx)
	defer deps.Close()

	if err := deps.Registry.UpdateStatusByID(ctx, tenantID, status); err != nil {
		fail("%v", err)
	}
	fmt.Printf("✓ Tenant '%s' is now %s\n", tenantID, status)

	n, err := deps.Settings.InvalidateTenant(ctx, tenantID)
	if err != nil {
		fmt.Printf("Warning: settings cache not cleared: %v\n", err)
		return
	}
	if n > 0 {
		fmt.Printf("  Cleared %d cached product setting(s)\n", n)
	}
}

func verify(ctx context.Context) {
	tenantID := requireTenantID(os.Args[2:])

	deps := open(ctx)
	defer deps.Close()

	mismatches, err := deps.Ledger.Reconcile(ctx, tenantID)
	if err != nil {
		fail("%v", err)
	}
	if len(mismatches) == 0 {
		fmt.Println("✓ Ledger consistent")
		return
	}

	fmt.Printf("%-36s %-16s %-16s\n", "LOT_ID", "QUANTITY", "LEDGER_SUM")
	for _, m := range mismatches {
		fmt.Printf("%-36s %-16s %-16s\n", m.LotID, m.Quantity, m.Ledger)
	}
	fail("%d lot(s) out of balance", len(mismatches))
}

func exportHistory(ctx context.Context) {
	args := os.Args[2:]
	tenantID := requireTenantID(args)
	out := flagValue(args, "--out")
	if out == "" {
		fail("--out <file> is required")
	}

	opts := export.Options{IncludeUndone: hasFlag(args, "--include-undone")}
	if raw := flagValue(args, "--product"); raw != "" {
		productID, err := id.Parse(raw)
		if err != nil {
			fail("invalid product id %q: %v", raw, err)
		}
		opts.ProductID = &productID
	}

	deps := open(ctx)
	defer deps.Close()

	f, err := os.Create(out)
	if err != nil {
		fail("%v", err)
	}

	n, err := export.NewHistoryWriter(deps.Ledger, 0).Write(ctx, tenantID, f, opts)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(out)
		fail("export failed after %d entries: %v", n, err)
	}
	fmt.Printf("✓ Exported %d entries to %s\n", n, out)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

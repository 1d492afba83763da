// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/http/v1/handlers"
	"stockbook/internal/infrastructure/http/v1/middleware"
	"stockbook/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	// Ledger serves every tenant-scoped endpoint.
	Ledger *ledger.Service

	// Tenants resolves X-Tenant-ID before any handler runs.
	Tenants middleware.TenantResolver

	// DB is pinged by the readiness probe. Nil reports ready.
	DB handlers.Pinger

	// Logger for request logging
	Logger *logger.Logger

	// Mode is the gin mode; release when empty.
	Mode string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	mode := cfg.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.Recovery())
	router.Use(middleware.ErrorHandler())

	v1 := router.Group("/api/v1")

	health := handlers.NewHealthHandler(cfg.DB)
	v1.GET("/health", health.Live)
	v1.GET("/ready", health.Ready)

	scoped := v1.Group("")
	scoped.Use(middleware.Tenant(cfg.Tenants))
	scoped.Use(middleware.Idempotency())

	base := handlers.NewBaseHandler()
	RegisterLedgerRoutes(scoped, LedgerHandlers{
		Stock:   handlers.NewStockHandler(base, cfg.Ledger),
		Lots:    handlers.NewLotHandler(base, cfg.Ledger),
		Entries: handlers.NewEntryHandler(base, cfg.Ledger),
	})

	return router
}

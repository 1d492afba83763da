package v1

import (
	"github.com/gin-gonic/gin"
)

// StockRouteHandler serves the quantity-moving operations.
type StockRouteHandler interface {
	Add(c *gin.Context)
	Consume(c *gin.Context)
	Transfer(c *gin.Context)
	Correct(c *gin.Context)
}

// LotRouteHandler serves lot reads and lot-scoped operations.
type LotRouteHandler interface {
	List(c *gin.Context)
	Get(c *gin.Context)
	Open(c *gin.Context)
	Edit(c *gin.Context)
}

// EntryRouteHandler serves the audit trail.
type EntryRouteHandler interface {
	History(c *gin.Context)
	Get(c *gin.Context)
	Undo(c *gin.Context)
	Reconcile(c *gin.Context)
}

// LedgerHandlers groups the handlers mounted by RegisterLedgerRoutes.
type LedgerHandlers struct {
	Stock   StockRouteHandler
	Lots    LotRouteHandler
	Entries EntryRouteHandler
}

// RegisterLedgerRoutes mounts every tenant-scoped ledger route on group.
// The group must already run the tenant middleware.
func RegisterLedgerRoutes(group *gin.RouterGroup, h LedgerHandlers) {
	stock := group.Group("/stock")
	stock.POST("/add", h.Stock.Add)
	stock.POST("/consume", h.Stock.Consume)
	stock.POST("/transfer", h.Stock.Transfer)
	stock.POST("/correct", h.Stock.Correct)

	lots := group.Group("/lots")
	lots.GET("", h.Lots.List)
	lots.GET("/:id", h.Lots.Get)
	lots.PATCH("/:id", h.Lots.Edit)
	lots.POST("/:id/open", h.Lots.Open)

	entries := group.Group("/entries")
	entries.GET("", h.Entries.History)
	entries.GET("/:id", h.Entries.Get)
	entries.POST("/:id/undo", h.Entries.Undo)

	group.GET("/reconcile", h.Entries.Reconcile)
}

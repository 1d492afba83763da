package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/http/v1/dto"
	"stockbook/internal/infrastructure/http/v1/middleware"
)

// LotHandler serves lot reads and the lot-scoped operations Open and Edit.
type LotHandler struct {
	*BaseHandler
	service *ledger.Service
}

// NewLotHandler creates a new lot handler.
func NewLotHandler(base *BaseHandler, service *ledger.Service) *LotHandler {
	return &LotHandler{BaseHandler: base, service: service}
}

// List handles GET /lots
//
// Query: productId, locationId, includeDescendants, unlocated, includeEmpty, limit.
func (h *LotHandler) List(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}
	productID, ok := h.QueryID(c, "productId")
	if !ok {
		return
	}
	locationID, ok := h.QueryID(c, "locationId")
	if !ok {
		return
	}

	filter := ledger.LotFilter{
		ProductID: productID,
		Location: ledger.LocationSelector{
			LocationID:         locationID,
			IncludeDescendants: h.QueryBool(c, "includeDescendants"),
			Unlocated:          locationID == nil && h.QueryBool(c, "unlocated"),
		},
		IncludeEmpty: h.QueryBool(c, "includeEmpty"),
		Limit:        h.ParseIntQuery(c, "limit", 100),
	}

	lots, err := h.service.ListLots(c.Request.Context(), tenantID, filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse[dto.LotResponse]{Items: dto.FromLots(lots)})
}

// Get handles GET /lots/:id
func (h *LotHandler) Get(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}
	lotID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	lot, err := h.service.GetLot(c.Request.Context(), tenantID, lotID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromLot(*lot))
}

// Open handles POST /lots/:id/open
func (h *LotHandler) Open(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}
	lotID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.OpenRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}

	res, err := h.service.Open(c.Request.Context(), tenantID, req.ToInput(lotID, middleware.IdempotencyKey(c)))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Result(c, http.StatusOK, res)
}

// Edit handles PATCH /lots/:id
func (h *LotHandler) Edit(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}
	lotID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.EditRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.Edit(c.Request.Context(), tenantID, req.ToInput(lotID, middleware.IdempotencyKey(c)))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Result(c, http.StatusOK, res)
}

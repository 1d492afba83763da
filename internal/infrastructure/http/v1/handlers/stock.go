package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/http/v1/dto"
	"stockbook/internal/infrastructure/http/v1/middleware"
)

// StockHandler handles the quantity-moving operations.
type StockHandler struct {
	*BaseHandler
	service *ledger.Service
}

// NewStockHandler creates a new stock handler.
func NewStockHandler(base *BaseHandler, service *ledger.Service) *StockHandler {
	return &StockHandler{BaseHandler: base, service: service}
}

// Add handles POST /stock/add
func (h *StockHandler) Add(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}
	var req dto.AddRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.Add(c.Request.Context(), tenantID, req.ToInput(middleware.IdempotencyKey(c)))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Result(c, http.StatusCreated, res)
}

// Consume handles POST /stock/consume
func (h *StockHandler) Consume(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}
	var req dto.ConsumeRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.Consume(c.Request.Context(), tenantID, req.ToInput(middleware.IdempotencyKey(c)))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Result(c, http.StatusOK, res)
}

// Transfer handles POST /stock/transfer
func (h *StockHandler) Transfer(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}
	var req dto.TransferRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.Transfer(c.Request.Context(), tenantID, req.ToInput(middleware.IdempotencyKey(c)))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Result(c, http.StatusOK, res)
}

// Correct handles POST /stock/correct
func (h *StockHandler) Correct(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}
	var req dto.CorrectRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.Correct(c.Request.Context(), tenantID, req.ToInput(middleware.IdempotencyKey(c)))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Result(c, http.StatusOK, res)
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stockbook/internal/core/id"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/http/v1/dto"
	"stockbook/internal/infrastructure/http/v1/middleware"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// EntryHandler serves the audit trail: history, undo and reconcile.
type EntryHandler struct {
	*BaseHandler
	service *ledger.Service
}

// NewEntryHandler creates a new entry handler.
func NewEntryHandler(base *BaseHandler, service *ledger.Service) *EntryHandler {
	return &EntryHandler{BaseHandler: base, service: service}
}

// History handles GET /entries
//
// Query: lotId, productId, correlationId, kind (repeatable), includeUndone, after, limit.
// A full page carries nextCursor; pass it back as after.
func (h *EntryHandler) History(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}

	filter := ledger.HistoryFilter{
		IncludeUndone: h.QueryBool(c, "includeUndone"),
		Limit:         h.ParseIntQuery(c, "limit", defaultHistoryLimit),
	}
	if filter.Limit <= 0 || filter.Limit > maxHistoryLimit {
		filter.Limit = defaultHistoryLimit
	}
	for name, dst := range map[string]**id.ID{
		"lotId":         &filter.LotID,
		"productId":     &filter.ProductID,
		"correlationId": &filter.CorrelationID,
		"after":         &filter.After,
	} {
		v, ok := h.QueryID(c, name)
		if !ok {
			return
		}
		*dst = v
	}
	for _, k := range c.QueryArray("kind") {
		filter.Kinds = append(filter.Kinds, ledger.OperationKind(k))
	}

	entries, err := h.service.History(c.Request.Context(), tenantID, filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	var last id.ID
	if len(entries) > 0 {
		last = entries[len(entries)-1].ID
	}
	h.OK(c, dto.NewPage(dto.FromEntries(entries), filter.Limit, last))
}

// Get handles GET /entries/:id
func (h *EntryHandler) Get(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}
	entryID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	entry, err := h.service.GetEntry(c.Request.Context(), tenantID, entryID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromEntry(*entry))
}

// Undo handles POST /entries/:id/undo
func (h *EntryHandler) Undo(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}
	entryID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	res, err := h.service.Undo(c.Request.Context(), tenantID, ledger.UndoInput{
		EntryID:        entryID,
		IdempotencyKey: middleware.IdempotencyKey(c),
	})
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Result(c, http.StatusOK, res)
}

// Reconcile handles GET /reconcile
func (h *EntryHandler) Reconcile(c *gin.Context) {
	tenantID, ok := h.TenantID(c)
	if !ok {
		return
	}

	mismatches, err := h.service.Reconcile(c.Request.Context(), tenantID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromMismatches(mismatches))
}

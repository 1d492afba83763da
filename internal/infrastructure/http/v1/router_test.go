package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbook/internal/core/id"
	"stockbook/internal/core/tenant"
	"stockbook/internal/core/types"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/http/v1/dto"
	"stockbook/internal/infrastructure/http/v1/middleware"
	"stockbook/internal/infrastructure/storage/memory"
	"stockbook/pkg/logger"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type env struct {
	t         *testing.T
	router    *gin.Engine
	tenantID  id.ID
	other     id.ID
	suspended id.ID
	product   id.ID
	pantry    id.ID
}

func newEnv(t *testing.T, db pinger) *env {
	t.Helper()
	e := &env{
		t:         t,
		tenantID:  id.New(),
		other:     id.New(),
		suspended: id.New(),
		product:   id.New(),
		pantry:    id.New(),
	}

	store := memory.NewStore()
	for _, tid := range []id.ID{e.tenantID, e.other} {
		store.AddProduct(tid, ledger.Product{ID: e.product, Name: "flour"})
		store.AddLocation(tid, e.pantry, nil)
	}

	registry := tenant.NewMemoryRegistry(
		tenant.Tenant{ID: e.tenantID, Slug: "main"},
		tenant.Tenant{ID: e.other, Slug: "other"},
		tenant.Tenant{ID: e.suspended, Slug: "gone", Status: tenant.StatusSuspended},
	)
	resolver := tenant.NewResolver(tenant.ResolverConfig{}, registry, logger.NewNop())
	t.Cleanup(resolver.Close)

	now := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	svc := ledger.NewService(store, resolver,
		ledger.WithClock(func() time.Time { return now }),
		ledger.WithLogger(logger.NewNop()))

	e.router = NewRouter(RouterConfig{
		Ledger:  svc,
		Tenants: resolver,
		DB:      db,
		Logger:  logger.NewNop(),
		Mode:    gin.TestMode,
	})
	return e
}

// do sends a request; headers are name/value pairs.
func (e *env) do(method, path string, tenantID *id.ID, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != nil {
		req.Header.Set(middleware.TenantHeader, tenantID.String())
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *env) add(qty int64, headers ...string) dto.ResultResponse {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/v1/stock/add", &e.tenantID, map[string]any{
		"productId":      e.product,
		"locationId":     e.pantry,
		"quantity":       qty,
		"expirationDate": "2026-01-10",
	}, headers...)
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[dto.ResultResponse](e.t, w)
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t, pinger{})
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/ready", nil, nil).Code)

	down := newEnv(t, pinger{err: errors.New("connection refused")})
	w := down.do(http.MethodGet, "/api/v1/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestTenantHeader(t *testing.T) {
	e := newEnv(t, pinger{})
	unknown := id.New()

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing", "", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"malformed", "not-a-uuid", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown", unknown.String(), http.StatusNotFound, "NOT_FOUND"},
		{"suspended", e.suspended.String(), http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.header != "" {
				headers = []string{middleware.TenantHeader, tt.header}
			}
			w := e.do(http.MethodGet, "/api/v1/lots", nil, nil, headers...)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode[dto.ErrorResponse](t, w).Code)
		})
	}
}

func TestAddConsumeAndRead(t *testing.T) {
	e := newEnv(t, pinger{})

	res := e.add(5)
	assert.Equal(t, ledger.OpAdd, res.Operation)
	require.Len(t, res.Lots, 1)
	lot := res.Lots[0]
	assert.Equal(t, types.NewQuantity(5), lot.Quantity)
	require.NotNil(t, lot.ExpirationDate)
	assert.Equal(t, "2026-01-10", lot.ExpirationDate.Format(dto.DateLayout))

	w := e.do(http.MethodPost, "/api/v1/stock/consume", &e.tenantID, map[string]any{
		"productId": e.product,
		"quantity":  "2",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	consumed := decode[dto.ResultResponse](t, w)
	require.Len(t, consumed.Entries, 1)
	assert.Equal(t, types.NewQuantity(-2), consumed.Entries[0].QuantityDelta)

	w = e.do(http.MethodGet, "/api/v1/lots/"+lot.ID, &e.tenantID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.NewQuantity(3), decode[dto.LotResponse](t, w).Quantity)

	w = e.do(http.MethodGet, "/api/v1/lots?productId="+e.product.String(), &e.tenantID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.ListResponse[dto.LotResponse]](t, w)
	require.Len(t, list.Items, 1)
	assert.Equal(t, lot.ID, list.Items[0].ID)

	w = e.do(http.MethodGet, "/api/v1/reconcile", &e.tenantID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[dto.ReconcileResponse](t, w).Consistent)
}

func TestInsufficientStockError(t *testing.T) {
	e := newEnv(t, pinger{})
	e.add(1)

	w := e.do(http.MethodPost, "/api/v1/stock/consume", &e.tenantID, map[string]any{
		"productId": e.product,
		"quantity":  10,
	}, middleware.HeaderTraceID, "trace-123")

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode[dto.ErrorResponse](t, w)
	assert.Equal(t, "INSUFFICIENT_STOCK", body.Code)
	assert.Equal(t, "1.0000", body.Details["available"])
	assert.Equal(t, "trace-123", body.TraceID)
	assert.Equal(t, "trace-123", w.Header().Get(middleware.HeaderTraceID))
}

func TestInvalidBody(t *testing.T) {
	e := newEnv(t, pinger{})
	w := e.do(http.MethodPost, "/api/v1/stock/add", &e.tenantID, `{"quantity": "lots"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[dto.ErrorResponse](t, w).Code)

	w = e.do(http.MethodGet, "/api/v1/lots/123", &e.tenantID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdempotentReplay(t *testing.T) {
	e := newEnv(t, pinger{})

	first := e.add(5, middleware.HeaderIdempotencyKey, "req-1")
	assert.False(t, first.Replayed)

	w := e.do(http.MethodPost, "/api/v1/stock/add", &e.tenantID, map[string]any{
		"productId":      e.product,
		"locationId":     e.pantry,
		"quantity":       5,
		"expirationDate": "2026-01-10",
	}, middleware.HeaderIdempotencyKey, "req-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "true", w.Header().Get(middleware.HeaderIdempotentReplay))
	second := decode[dto.ResultResponse](t, w)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entries[0].ID, second.Entries[0].ID)

	w = e.do(http.MethodGet, "/api/v1/lots/"+first.Lots[0].ID, &e.tenantID, nil)
	assert.Equal(t, types.NewQuantity(5), decode[dto.LotResponse](t, w).Quantity)

	w = e.do(http.MethodPost, "/api/v1/stock/add", &e.tenantID, map[string]any{
		"productId": e.product,
		"quantity":  7,
	}, middleware.HeaderIdempotencyKey, "req-1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", decode[dto.ErrorResponse](t, w).Code)
}

func TestUndoTwice(t *testing.T) {
	e := newEnv(t, pinger{})
	res := e.add(4)
	path := "/api/v1/entries/" + res.Entries[0].ID + "/undo"

	w := e.do(http.MethodPost, path, &e.tenantID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	undone := decode[dto.ResultResponse](t, w)
	require.Len(t, undone.Lots, 1)
	assert.True(t, undone.Lots[0].Quantity.IsZero())

	w = e.do(http.MethodPost, path, &e.tenantID, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode[dto.ErrorResponse](t, w)
	assert.Equal(t, "INVALID_OPERATION", body.Code)
	assert.Equal(t, "already_undone", body.Details["reason"])
}

func TestOtherTenantSeesNothing(t *testing.T) {
	e := newEnv(t, pinger{})
	res := e.add(2)

	w := e.do(http.MethodGet, "/api/v1/lots/"+res.Lots[0].ID, &e.other, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodPost, "/api/v1/entries/"+res.Entries[0].ID+"/undo", &e.other, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/api/v1/lots", &e.other, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[dto.ListResponse[dto.LotResponse]](t, w).Items)
}

func TestHistoryPagination(t *testing.T) {
	e := newEnv(t, pinger{})
	for i := 0; i < 3; i++ {
		e.add(1)
	}

	w := e.do(http.MethodGet, "/api/v1/entries?limit=2&kind=add", &e.tenantID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[dto.ListResponse[dto.EntryResponse]](t, w)
	require.Len(t, page.Items, 2)
	require.NotNil(t, page.NextCursor)

	w = e.do(http.MethodGet, "/api/v1/entries?limit=2&after="+*page.NextCursor, &e.tenantID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rest := decode[dto.ListResponse[dto.EntryResponse]](t, w)
	require.Len(t, rest.Items, 1)
	assert.Nil(t, rest.NextCursor)

	w = e.do(http.MethodGet, "/api/v1/entries/"+rest.Items[0].ID, &e.tenantID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "add", decode[dto.EntryResponse](t, w).Kind)

	w = e.do(http.MethodGet, "/api/v1/entries?kind=teleport", &e.tenantID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpenAndEditLot(t *testing.T) {
	e := newEnv(t, pinger{})
	lotID := e.add(3).Lots[0].ID

	w := e.do(http.MethodPost, "/api/v1/lots/"+lotID+"/open", &e.tenantID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	opened := decode[dto.ResultResponse](t, w)
	require.Len(t, opened.Lots, 1)
	assert.True(t, opened.Lots[0].Opened)
	require.NotNil(t, opened.Lots[0].OpenedDate)
	assert.Equal(t, "2025-11-20", opened.Lots[0].OpenedDate.Format(dto.DateLayout))

	w = e.do(http.MethodPost, "/api/v1/lots/"+lotID+"/open", &e.tenantID, map[string]any{"stayInPlace": true})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "already_opened", decode[dto.ErrorResponse](t, w).Details["reason"])

	w = e.do(http.MethodPatch, "/api/v1/lots/"+lotID, &e.tenantID, map[string]any{
		"note":   "top shelf",
		"reason": "relabel",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	edited := decode[dto.ResultResponse](t, w)
	require.Len(t, edited.Entries, 2)
	assert.Equal(t, "edit_before", edited.Entries[0].Kind)
	assert.Equal(t, "edit_after", edited.Entries[1].Kind)
	assert.Equal(t, "top shelf", edited.Lots[0].Note)
}

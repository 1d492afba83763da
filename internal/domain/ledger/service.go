package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockbook/internal/core/apperror"
	"stockbook/internal/core/id"
	"stockbook/internal/core/tenant"
	"stockbook/internal/core/tx"
	"stockbook/pkg/logger"
)

var tracer = otel.Tracer("stockbook/ledger")

// TenantResolver rejects unknown and inactive tenants.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID id.ID) (*tenant.Tenant, error)
}

// SettingsCache caches the product settings read by Open.
// Product returns (nil, nil) on a miss.
type SettingsCache interface {
	Product(ctx context.Context, tenantID, productID id.ID) (*Product, error)
	StoreProduct(ctx context.Context, tenantID id.ID, p *Product) error
}

// Service is the stock ledger. Every mutating operation runs in one
// tenant-bound unit of work: lot changes, entries, the idempotency record
// and outbox events commit together or not at all.
type Service struct {
	store          Store
	tenants        TenantResolver
	cache          SettingsCache
	now            func() time.Time
	idempotencyTTL time.Duration
	log            *logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithSettingsCache(c SettingsCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *Service) { s.idempotencyTTL = ttl }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService creates the ledger service.
func NewService(store Store, tenants TenantResolver, opts ...Option) *Service {
	s := &Service{
		store:          store,
		tenants:        tenants,
		now:            time.Now,
		idempotencyTTL: 24 * time.Hour,
		log:            logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("ledger")
	return s
}

// work bundles the per-unit-of-work helpers handed to each operation.
type work struct {
	tenantID id.ID
	uow      UnitOfWork
	lots     *LotStore
	audit    *AuditTrail
	catalog  Catalog
}

func (s *Service) newWork(uow UnitOfWork) *work {
	lots := newLotStore(uow.Lots(), s.now)
	return &work{
		tenantID: uow.TenantID(),
		uow:      uow,
		lots:     lots,
		audit:    newAuditTrail(uow.Entries(), lots, uow.TenantID(), s.now),
		catalog:  uow.Catalog(),
	}
}

type mutation struct {
	op       string
	key      string
	input    any
	tenantID id.ID
}

// mutate runs fn as one unit of work with idempotency, events and error translation.
func (s *Service) mutate(ctx context.Context, m mutation, fn func(ctx context.Context, w *work) (*Result, error)) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ledger."+m.op,
		trace.WithAttributes(
			attribute.String("tenant.id", m.tenantID.String()),
			attribute.Bool("idempotent", m.key != ""),
		))
	defer span.End()

	log := s.log.WithContext(ctx).With("operation", m.op, "tenant_id", m.tenantID.String())

	if err := s.resolveTenant(ctx, m.tenantID); err != nil {
		return nil, s.fail(span, log, err)
	}

	var hash string
	if m.key != "" {
		h, err := requestHash(m.op, m.input)
		if err != nil {
			return nil, s.fail(span, log, apperror.NewInternal(err))
		}
		hash = h
	}

	var result *Result
	err := s.store.Scoped(ctx, m.tenantID, func(ctx context.Context, uow UnitOfWork) error {
		if m.key != "" {
			replay, err := s.claim(ctx, uow, m, hash)
			if err != nil {
				return err
			}
			if replay != nil {
				result = replay
				return nil
			}
		}

		w := s.newWork(uow)
		res, err := fn(ctx, w)
		if err != nil {
			return err
		}
		res.Operation = m.op

		if m.key != "" {
			payload, err := json.Marshal(res)
			if err != nil {
				return fmt.Errorf("encode idempotent response: %w", err)
			}
			if err := uow.Idempotency().Complete(ctx, m.key, payload); err != nil {
				return err
			}
		}

		if err := uow.Events().Publish(ctx, s.events(m.tenantID, res)...); err != nil {
			return fmt.Errorf("publish events: %w", err)
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, s.fail(span, log, err)
	}

	span.SetAttributes(
		attribute.Int("ledger.entries", len(result.Entries)),
		attribute.Bool("ledger.replayed", result.Replayed),
	)
	log.Infow("ledger operation committed",
		"entries", len(result.Entries),
		"lots", len(result.Lots),
		"replayed", result.Replayed,
	)
	return result, nil
}

// claim reserves the idempotency key, returning the stored result for a replay.
func (s *Service) claim(ctx context.Context, uow UnitOfWork, m mutation, hash string) (*Result, error) {
	now := s.now()
	prior, err := uow.Idempotency().Claim(ctx, IdempotencyRecord{
		Key:         m.key,
		Operation:   m.op,
		RequestHash: hash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.idempotencyTTL),
	})
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, nil
	}
	if prior.Operation != m.op || prior.RequestHash != hash {
		return nil, apperror.NewIdempotencyMismatch(m.key)
	}
	if len(prior.Response) == 0 {
		return nil, apperror.NewConflict("request with this idempotency key is still in progress").
			WithDetail("idempotency_key", m.key)
	}
	var replay Result
	if err := json.Unmarshal(prior.Response, &replay); err != nil {
		return nil, fmt.Errorf("decode idempotent response: %w", err)
	}
	replay.Replayed = true
	return &replay, nil
}

func (s *Service) events(tenantID id.ID, res *Result) []Event {
	if res.Replayed {
		return nil
	}
	at := s.now()
	changed := Event{
		Type:          EventStockChanged,
		TenantID:      tenantID,
		Operation:     res.Operation,
		CorrelationID: res.CorrelationID,
		LotIDs:        make([]id.ID, 0, len(res.Lots)),
		EntryIDs:      make([]id.ID, 0, len(res.Entries)),
		OccurredAt:    at,
	}
	if len(res.Entries) > 0 {
		changed.ProductID = res.Entries[0].ProductID
	}
	for _, e := range res.Entries {
		changed.EntryIDs = append(changed.EntryIDs, e.ID)
	}

	events := []Event{changed}
	for _, lot := range res.Lots {
		events[0].LotIDs = append(events[0].LotIDs, lot.ID)
		if lot.Quantity.IsZero() {
			events = append(events, Event{
				Type:          EventLotDepleted,
				TenantID:      tenantID,
				Operation:     res.Operation,
				CorrelationID: res.CorrelationID,
				LotIDs:        []id.ID{lot.ID},
				ProductID:     lot.ProductID,
				OccurredAt:    at,
			})
		}
	}
	return events
}

func (s *Service) resolveTenant(ctx context.Context, tenantID id.ID) error {
	if id.IsNil(tenantID) {
		return apperror.NewNotFound("tenant", tenantID)
	}
	_, err := s.tenants.Resolve(ctx, tenantID)
	return err
}

func (s *Service) fail(span trace.Span, log *logger.Logger, err error) error {
	err = translate(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	appErr, _ := apperror.AsAppError(err)
	if appErr.HTTPStatus >= 500 {
		log.Errorw("ledger operation failed", "error", err, "cause", appErr.Err)
	} else {
		log.Debugw("ledger operation rejected", "code", appErr.Code, "error", err)
	}
	return err
}

// translate maps storage and tenant errors onto the apperror taxonomy.
// Tenant problems of any kind surface as NotFound.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if apperror.IsAppError(err) {
		return err
	}
	var shortfall *ShortfallError
	switch {
	case errors.As(err, &shortfall):
		return apperror.NewInsufficientStock("", shortfall.Requested.String(), shortfall.Available.String()).
			WithCause(err)
	case errors.Is(err, tenant.ErrTenantNotFound),
		errors.Is(err, tenant.ErrTenantNotActive),
		errors.Is(err, tenant.ErrNoTenantInContext),
		errors.Is(err, tx.ErrTenantMismatch),
		errors.Is(err, ErrTenantNotBound):
		return apperror.NewNotFound("tenant", nil).WithCause(err)
	case errors.Is(err, ErrLotNotFound):
		return apperror.NewNotFound("lot", nil).WithCause(err)
	case errors.Is(err, ErrEntryNotFound):
		return apperror.NewNotFound("ledger_entry", nil).WithCause(err)
	case errors.Is(err, ErrProductNotFound):
		return apperror.NewNotFound("product", nil).WithCause(err)
	case errors.Is(err, ErrLocationNotFound):
		return apperror.NewNotFound("location", nil).WithCause(err)
	case errors.Is(err, ErrInsufficientQuantity):
		return apperror.NewInsufficientStock("", "", "").WithCause(err)
	case errors.Is(err, ErrAlreadyUndone):
		return apperror.NewAlreadyUndone(nil).WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperror.NewTimeout(err)
	}
	return apperror.NewDatabase(err)
}

func requestHash(op string, input any) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	sum := sha256.Sum256(append([]byte(op+":"), body...))
	return hex.EncodeToString(sum[:]), nil
}

// product loads product settings through the optional cache.
func (s *Service) product(ctx context.Context, w *work, productID id.ID) (*Product, error) {
	if s.cache != nil {
		p, err := s.cache.Product(ctx, w.tenantID, productID)
		if err != nil {
			s.log.WithContext(ctx).Warnw("settings cache read failed", "product_id", productID.String(), "error", err)
		} else if p != nil {
			return p, nil
		}
	}

	p, err := w.catalog.Product(ctx, productID)
	if errors.Is(err, ErrProductNotFound) {
		return nil, apperror.NewNotFound("product", productID)
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.StoreProduct(ctx, w.tenantID, p); err != nil {
			s.log.WithContext(ctx).Warnw("settings cache write failed", "product_id", productID.String(), "error", err)
		}
	}
	return p, nil
}

func (s *Service) requireProduct(ctx context.Context, w *work, productID id.ID) error {
	_, err := w.catalog.Product(ctx, productID)
	if errors.Is(err, ErrProductNotFound) {
		return apperror.NewNotFound("product", productID)
	}
	return err
}

// requireLocation checks an optional location; nil means unlocated and always resolves.
func (s *Service) requireLocation(ctx context.Context, w *work, locationID *id.ID) error {
	if locationID == nil {
		return nil
	}
	ok, err := w.catalog.LocationExists(ctx, *locationID)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.NewNotFound("location", *locationID)
	}
	return nil
}

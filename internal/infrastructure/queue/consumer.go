package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"stockbook/internal/domain/ledger"
	"stockbook/pkg/logger"
)

// EventHandlerFunc reacts to one ledger event type.
type EventHandlerFunc func(ctx context.Context, tenantID string, event ledger.Event) error

// Consumer handles TaskTypeLedgerEvent tasks. Every event is logged; handlers
// registered with On run afterwards and their errors make asynq retry the task.
type Consumer struct {
	handlers map[string][]EventHandlerFunc
	log      *logger.Logger
}

// NewConsumer creates a consumer that logs through log.
func NewConsumer(log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.Default()
	}
	return &Consumer{
		handlers: make(map[string][]EventHandlerFunc),
		log:      log.WithComponent("ledger_events"),
	}
}

// On registers fn for eventType.
func (c *Consumer) On(eventType string, fn EventHandlerFunc) {
	c.handlers[eventType] = append(c.handlers[eventType], fn)
}

// ProcessTask implements asynq.Handler.
func (c *Consumer) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload EventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		c.log.WithContext(ctx).Errorw("dropping malformed ledger event", "error", err)
		return fmt.Errorf("decode %s: %v: %w", TaskTypeLedgerEvent, err, asynq.SkipRetry)
	}

	tenantID := payload.TenantID.String()
	log := c.log.WithContext(ctx).With(
		"tenant_id", tenantID,
		"message_id", payload.MessageID.String(),
		"event_type", payload.Event.Type,
	)
	log.Infow("ledger event",
		"operation", payload.Event.Operation,
		"lots", len(payload.Event.LotIDs),
		"entries", len(payload.Event.EntryIDs))

	for _, fn := range c.handlers[payload.Event.Type] {
		if err := fn(ctx, tenantID, payload.Event); err != nil {
			log.Warnw("ledger event handler failed", "error", err)
			return err
		}
	}
	return nil
}

var _ asynq.Handler = (*Consumer)(nil)

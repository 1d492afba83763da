package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/storage/postgres"
)

// Enqueuer is the subset of *asynq.Client the relay needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// OutboxHandler forwards outbox messages to asynq. It implements postgres.OutboxHandler.
type OutboxHandler struct {
	client Enqueuer
}

var _ postgres.OutboxHandler = (*OutboxHandler)(nil)

// NewOutboxHandler creates the relay target.
func NewOutboxHandler(client Enqueuer) *OutboxHandler {
	return &OutboxHandler{client: client}
}

// Handle enqueues msg. A task id conflict means an earlier attempt already got through.
func (h *OutboxHandler) Handle(ctx context.Context, msg *postgres.OutboxMessage, payload json.RawMessage) error {
	var event ledger.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("decode outbox message %s: %w", msg.ID, err)
	}

	task, err := NewLedgerEventTask(EventPayload{MessageID: msg.ID, TenantID: msg.TenantID, Event: event})
	if err != nil {
		return err
	}

	_, err = h.client.EnqueueContext(ctx, task, taskOptions(msg.ID)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TaskTypeLedgerEvent, err)
	}
	return nil
}

// Package queue relays ledger events from the outbox to asynq and consumes them.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"stockbook/internal/core/id"
	"stockbook/internal/domain/ledger"
)

const (
	// QueueDefault is the queue ledger events are enqueued on.
	QueueDefault = "default"
	// TaskTypeLedgerEvent carries one committed ledger event.
	TaskTypeLedgerEvent = "ledger:event"
)

// EventPayload is the body of a TaskTypeLedgerEvent task.
type EventPayload struct {
	MessageID id.ID        `json:"message_id"`
	TenantID  id.ID        `json:"tenant_id"`
	Event     ledger.Event `json:"event"`
}

// NewLedgerEventTask builds the task for an outbox message.
func NewLedgerEventTask(payload EventPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ledger event: %w", err)
	}
	return asynq.NewTask(TaskTypeLedgerEvent, data), nil
}

// taskOptions keys the task by outbox message id so a relay retry
// after a lost acknowledgement does not enqueue it twice.
func taskOptions(messageID id.ID) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.TaskID(messageID.String()),
		asynq.MaxRetry(10),
		asynq.Retention(24 * time.Hour),
	}
}

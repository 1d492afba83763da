package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbook/internal/core/id"
	"stockbook/internal/domain/ledger"
	"stockbook/internal/infrastructure/storage/postgres"
	"stockbook/pkg/logger"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) any {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func testEvent() ledger.Event {
	corr := id.New()
	return ledger.Event{
		Type:          ledger.EventLotDepleted,
		TenantID:      id.New(),
		Operation:     "consume",
		CorrelationID: &corr,
		LotIDs:        []id.ID{id.New()},
		EntryIDs:      []id.ID{id.New()},
		ProductID:     id.New(),
		OccurredAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testMessage(t *testing.T, event ledger.Event) (*postgres.OutboxMessage, json.RawMessage) {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return &postgres.OutboxMessage{
		ID:        id.New(),
		TenantID:  event.TenantID,
		EventType: event.Type,
	}, raw
}

func TestOutboxHandlerEnqueuesByMessageID(t *testing.T) {
	fake := &fakeEnqueuer{}
	h := NewOutboxHandler(fake)
	event := testEvent()
	msg, raw := testMessage(t, event)

	require.NoError(t, h.Handle(context.Background(), msg, raw))
	require.Len(t, fake.tasks, 1)

	task := fake.tasks[0]
	assert.Equal(t, TaskTypeLedgerEvent, task.Type())
	assert.Equal(t, msg.ID.String(), optionValue(fake.opts[0], asynq.TaskIDOpt))
	assert.Equal(t, QueueDefault, optionValue(fake.opts[0], asynq.QueueOpt))

	var payload EventPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, msg.ID, payload.MessageID)
	assert.Equal(t, event.TenantID, payload.TenantID)
	assert.Equal(t, event.LotIDs, payload.Event.LotIDs)
	assert.True(t, event.OccurredAt.Equal(payload.Event.OccurredAt))
}

func TestOutboxHandlerTreatsDuplicateAsDelivered(t *testing.T) {
	h := NewOutboxHandler(&fakeEnqueuer{err: asynq.ErrTaskIDConflict})
	msg, raw := testMessage(t, testEvent())

	assert.NoError(t, h.Handle(context.Background(), msg, raw))
}

func TestOutboxHandlerReportsEnqueueFailure(t *testing.T) {
	boom := errors.New("redis down")
	h := NewOutboxHandler(&fakeEnqueuer{err: boom})
	msg, raw := testMessage(t, testEvent())

	err := h.Handle(context.Background(), msg, raw)
	assert.ErrorIs(t, err, boom)
}

func TestOutboxHandlerRejectsGarbage(t *testing.T) {
	fake := &fakeEnqueuer{}
	h := NewOutboxHandler(fake)
	msg, _ := testMessage(t, testEvent())

	err := h.Handle(context.Background(), msg, json.RawMessage(`{"lot_ids": 7}`))
	assert.Error(t, err)
	assert.Empty(t, fake.tasks)
}

func TestConsumerSkipsRetryOnMalformedPayload(t *testing.T) {
	c := NewConsumer(logger.NewNop())

	err := c.ProcessTask(context.Background(), asynq.NewTask(TaskTypeLedgerEvent, []byte("not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestConsumerDispatchesByEventType(t *testing.T) {
	c := NewConsumer(logger.NewNop())

	var depleted []ledger.Event
	c.On(ledger.EventLotDepleted, func(_ context.Context, tenantID string, e ledger.Event) error {
		assert.NotEmpty(t, tenantID)
		depleted = append(depleted, e)
		return nil
	})

	event := testEvent()
	task, err := NewLedgerEventTask(EventPayload{MessageID: id.New(), TenantID: event.TenantID, Event: event})
	require.NoError(t, err)
	require.NoError(t, c.ProcessTask(context.Background(), task))

	changed := event
	changed.Type = ledger.EventStockChanged
	task, err = NewLedgerEventTask(EventPayload{MessageID: id.New(), TenantID: event.TenantID, Event: changed})
	require.NoError(t, err)
	require.NoError(t, c.ProcessTask(context.Background(), task))

	require.Len(t, depleted, 1)
	assert.Equal(t, event.ProductID, depleted[0].ProductID)
}

func TestConsumerHandlerErrorRetries(t *testing.T) {
	c := NewConsumer(logger.NewNop())
	boom := errors.New("notify failed")
	c.On(ledger.EventLotDepleted, func(context.Context, string, ledger.Event) error { return boom })

	event := testEvent()
	task, err := NewLedgerEventTask(EventPayload{MessageID: id.New(), TenantID: event.TenantID, Event: event})
	require.NoError(t, err)

	err = c.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

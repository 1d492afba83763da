package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"stockbook/internal/core/id"
	"stockbook/pkg/logger"
)

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// MaxOutboxRetries is the number of failed deliveries after which a message is failed.
const MaxOutboxRetries = 5

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage struct {
	ID                id.ID           `db:"id"`
	TenantID          id.ID           `db:"tenant_id"`
	AggregateType     string          `db:"aggregate_type"`
	AggregateID       id.ID           `db:"aggregate_id"`
	EventType         string          `db:"event_type"`
	Payload           []byte          `db:"payload"`
	PayloadCompressed []byte          `db:"payload_compressed"`
	CompressionAlgo   CompressionAlgo `db:"compression_algo"`
	Status            OutboxStatus    `db:"status"`
	RetryCount        int             `db:"retry_count"`
	LastError         *string         `db:"last_error"`
	NextRetryAt       *time.Time      `db:"next_retry_at"`
	CreatedAt         time.Time       `db:"created_at"`
	PublishedAt       *time.Time      `db:"published_at"`
}

// DomainEvent represents an event to be published via outbox.
type DomainEvent struct {
	TenantID      id.ID
	AggregateType string
	AggregateID   id.ID
	EventType     string
	Payload       any
}

const insertOutboxSQL = `
	INSERT INTO sys_outbox (id, tenant_id, aggregate_type, aggregate_id, event_type,
		payload, payload_compressed, compression_algo, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// OutboxPublisher writes events to the outbox table.
type OutboxPublisher struct {
	txManager *TxManager
	codec     *PayloadCodec
}

// NewOutboxPublisher creates a new outbox publisher.
func NewOutboxPublisher(txManager *TxManager, codec *PayloadCodec) *OutboxPublisher {
	return &OutboxPublisher{txManager: txManager, codec: codec}
}

// PublishBatch writes events to the outbox in one round-trip.
// MUST be called inside a transaction context.
func (p *OutboxPublisher) PublishBatch(ctx context.Context, events []DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx := p.txManager.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("outbox publish requires transaction context")
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()

	for _, event := range events {
		inline, compressed, algo, err := p.codec.Encode(event.Payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event.EventType, err)
		}
		batch.Queue(insertOutboxSQL,
			id.New(), event.TenantID, event.AggregateType, event.AggregateID, event.EventType,
			[]byte(inline), compressed, algo, OutboxStatusPending, now)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch insert outbox message: %w", err)
		}
	}

	return nil
}

// OutboxHandler processes outbox messages. payload is the decoded JSON body.
type OutboxHandler interface {
	Handle(ctx context.Context, msg *OutboxMessage, payload json.RawMessage) error
}

// OutboxRelay reads pending messages and hands them to a handler.
// Used by the background worker to publish events to the task queue.
type OutboxRelay struct {
	txManager *TxManager
	codec     *PayloadCodec
	batchSize int
	handler   OutboxHandler
	log       *logger.Logger
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(txManager *TxManager, codec *PayloadCodec, batchSize int, handler OutboxHandler) *OutboxRelay {
	return &OutboxRelay{
		txManager: txManager,
		codec:     codec,
		batchSize: batchSize,
		handler:   handler,
		log:       logger.Default().WithComponent("outbox_relay"),
	}
}

// Run polls the outbox every interval until ctx is done.
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.WithContext(ctx).Errorw("outbox batch failed", "error", err)
		}
		// A full batch means more is probably waiting.
		if n == r.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch fetches and processes pending messages in one transaction.
// Returns number of delivered messages.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	err := r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var messages []*OutboxMessage
		err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &messages, `
			SELECT id, tenant_id, aggregate_type, aggregate_id, event_type,
			       payload, payload_compressed, compression_algo, status,
			       retry_count, last_error, next_retry_at, created_at, published_at
			FROM sys_outbox
			WHERE status = $1
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, OutboxStatusPending, r.batchSize)
		if err != nil {
			return fmt.Errorf("fetch outbox messages: %w", err)
		}

		for _, msg := range messages {
			if err := r.processMessage(ctx, msg); err != nil {
				r.log.WithContext(ctx).Warnw("outbox delivery failed",
					"message_id", msg.ID.String(), "event_type", msg.EventType,
					"retry_count", msg.RetryCount, "error", err)
				continue
			}
			processed++
		}
		return nil
	})
	return processed, err
}

// processMessage handles a single outbox message. Delivery errors are recorded
// on the row and returned; bookkeeping errors abort the batch.
func (r *OutboxRelay) processMessage(ctx context.Context, msg *OutboxMessage) error {
	q := r.txManager.GetQuerier(ctx)

	payload, err := r.codec.Decode(msg.Payload, msg.PayloadCompressed, msg.CompressionAlgo)
	if err == nil {
		err = r.handler.Handle(ctx, msg, payload)
	}

	if err != nil {
		errStr := err.Error()
		_, updateErr := q.Exec(ctx, `
			UPDATE sys_outbox
			SET retry_count = retry_count + 1,
			    last_error = $1,
			    next_retry_at = $2,
			    status = CASE WHEN retry_count + 1 >= $3 THEN $4 ELSE status END
			WHERE id = $5
		`, errStr, time.Now().UTC().Add(Backoff(msg.RetryCount)), MaxOutboxRetries, OutboxStatusFailed, msg.ID)
		if updateErr != nil {
			return fmt.Errorf("update failed message: %w", updateErr)
		}
		return err
	}

	_, err = q.Exec(ctx, `
		UPDATE sys_outbox
		SET status = $1, published_at = $2
		WHERE id = $3
	`, OutboxStatusPublished, time.Now().UTC(), msg.ID)
	return err
}

// Backoff returns the delay before retry number retryCount+1: 1m, 2m, 4m, ... capped at 1h.
func Backoff(retryCount int) time.Duration {
	if retryCount >= 6 {
		return time.Hour
	}
	return time.Duration(1<<retryCount) * time.Minute
}

// MoveToDLQ moves failed messages to the dead letter table.
func (r *OutboxRelay) MoveToDLQ(ctx context.Context) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		WITH moved AS (
			DELETE FROM sys_outbox
			WHERE status = $1 AND retry_count >= $2
			RETURNING id, tenant_id, aggregate_type, aggregate_id, event_type,
			          payload, payload_compressed, compression_algo, retry_count,
			          last_error, created_at
		)
		INSERT INTO sys_outbox_dlq (id, tenant_id, aggregate_type, aggregate_id, event_type,
			payload, payload_compressed, compression_algo, retry_count, failure_reason,
			created_at, failed_at)
		SELECT id, tenant_id, aggregate_type, aggregate_id, event_type,
		       payload, payload_compressed, compression_algo, retry_count, last_error,
		       created_at, NOW()
		FROM moved
	`, OutboxStatusFailed, MaxOutboxRetries)
	if err != nil {
		return 0, fmt.Errorf("move to DLQ: %w", err)
	}

	return result.RowsAffected(), nil
}

// PurgePublished deletes published messages older than before.
func (r *OutboxRelay) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx,
		`DELETE FROM sys_outbox WHERE status = $1 AND published_at < $2`,
		OutboxStatusPublished, before)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"stockbook/internal/domain/ledger"
)

// IdempotencyRepo implements ledger.IdempotencyRepository.
type IdempotencyRepo struct {
	scope *Scope
}

const claimSQL = `
	INSERT INTO ledger_idempotency (tenant_id, idempotency_key, operation, request_hash, created_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	RETURNING idempotency_key`

const selectClaimSQL = `
	SELECT idempotency_key, operation, request_hash, response, created_at, expires_at
	FROM ledger_idempotency
	WHERE tenant_id = $1 AND idempotency_key = $2
	FOR UPDATE`

// reclaimSQL overwrites an expired record in place.
const reclaimSQL = `
	UPDATE ledger_idempotency
	SET operation = $3, request_hash = $4, response = NULL, created_at = $5, expires_at = $6
	WHERE tenant_id = $1 AND idempotency_key = $2`

// Claim reserves rec.Key or returns the unexpired record already holding it.
// A concurrent claimer blocks on the unique index until the holder commits.
func (r *IdempotencyRepo) Claim(ctx context.Context, rec ledger.IdempotencyRecord) (*ledger.IdempotencyRecord, error) {
	q := r.scope.querier(ctx)

	var key string
	err := q.QueryRow(ctx, claimSQL,
		r.scope.tenantID, rec.Key, rec.Operation, rec.RequestHash, rec.CreatedAt, rec.ExpiresAt,
	).Scan(&key)
	if err == nil {
		return nil, nil
	}
	if !pgxscan.NotFound(err) {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}

	var existing ledger.IdempotencyRecord
	if err := pgxscan.Get(ctx, q, &existing, selectClaimSQL, r.scope.tenantID, rec.Key); err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	if existing.ExpiresAt.After(rec.CreatedAt) {
		return &existing, nil
	}

	if _, err := q.Exec(ctx, reclaimSQL,
		r.scope.tenantID, rec.Key, rec.Operation, rec.RequestHash, rec.CreatedAt, rec.ExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("reclaim idempotency key: %w", err)
	}
	return nil, nil
}

// Complete stores the response for a claimed key.
func (r *IdempotencyRepo) Complete(ctx context.Context, key string, response []byte) error {
	tag, err := r.scope.querier(ctx).Exec(ctx, `
		UPDATE ledger_idempotency
		SET response = $3
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, r.scope.tenantID, key, response)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete idempotency key %q: not claimed", key)
	}
	return nil
}

// DeleteExpired removes records that expired at or before now.
func (r *IdempotencyRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.scope.querier(ctx).Exec(ctx, `
		DELETE FROM ledger_idempotency WHERE tenant_id = $1 AND expires_at <= $2
	`, r.scope.tenantID, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"stockbook/pkg/logger"
)

//go:embed schema/schema.sql
var schemaSQL string

// migrationLockID serializes concurrent Migrate calls across processes.
const migrationLockID = 0x73746f636b

// Schema returns the embedded DDL.
func Schema() string {
	return schemaSQL
}

// Migrate applies the embedded schema in one transaction.
func Migrate(ctx context.Context, txm *TxManager) error {
	opts := DefaultTxOptions()
	opts.StatementTimeout = 0

	err := txm.RunInTransactionWithOptions(ctx, opts, func(ctx context.Context) error {
		q := txm.GetQuerier(ctx)
		if _, err := q.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrationLockID)); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		// No arguments: pgx sends this over the simple protocol, which allows several statements.
		if _, err := q.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "schema applied")
	return nil
}

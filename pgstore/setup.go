package pgstore

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Setup creates the circulation tables if they do not exist yet.
// It uses a PostgreSQL advisory lock to prevent concurrent setup attempts.
// Lock ID 427311 is arbitrary but must be consistent across all processes.
// This should be called once at application startup.
func Setup(ctx context.Context, pool *pgxpool.Pool) error {
	const lockID int64 = 427311

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
			return fmt.Errorf("failed to acquire advisory lock: %w", err)
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("failed to create circulation tables: %w", err)
		}
		return nil
	})
}

// Teardown drops the circulation tables. It is used to clean up the schema
// when the engine is no longer needed.
func Teardown(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, "DROP TABLE IF EXISTS circulation_allocations, circulation_editions")
	if err != nil {
		return fmt.Errorf("failed to drop circulation tables: %w", err)
	}
	return nil
}

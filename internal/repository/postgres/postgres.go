package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// EnsureSchema creates the uploads and jobs tables if they do not already
// exist. There is no migration tool in play here; both tables are small and
// additive enough that a single idempotent DDL block at startup covers it.
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS uploads (
			upload_id      UUID PRIMARY KEY,
			filename       TEXT NOT NULL,
			bytes          BIGINT NOT NULL,
			mime           TEXT NOT NULL,
			sha256         TEXT NOT NULL,
			storage_path   TEXT NOT NULL,
			source_tag     TEXT NOT NULL DEFAULT '',
			declared_tags  JSONB NOT NULL DEFAULT '[]'::jsonb,
			lang_hint      TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS uploads_sha256_idx ON uploads (sha256);

		CREATE TABLE IF NOT EXISTS jobs (
			job_id            UUID PRIMARY KEY,
			profile           TEXT NOT NULL,
			upload_ids        JSONB NOT NULL DEFAULT '[]'::jsonb,
			options           JSONB NOT NULL DEFAULT '{}'::jsonb,
			status            TEXT NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at        TIMESTAMPTZ,
			finished_at       TIMESTAMPTZ,
			files_total       INT NOT NULL DEFAULT 0,
			files_processed   INT NOT NULL DEFAULT 0,
			chunks_total      INT NOT NULL DEFAULT 0,
			chunks_indexed    INT NOT NULL DEFAULT 0,
			dedupe_skipped    INT NOT NULL DEFAULT 0,
			physical_table    TEXT NOT NULL DEFAULT '',
			alias_updated     BOOLEAN NOT NULL DEFAULT false,
			promotion_blocked BOOLEAN NOT NULL DEFAULT false,
			eval_hit_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
			eval_mrr          DOUBLE PRECISION NOT NULL DEFAULT 0,
			eval_phrase_hit   DOUBLE PRECISION NOT NULL DEFAULT 0,
			logs_tail         JSONB NOT NULL DEFAULT '[]'::jsonb,
			error_code        TEXT NOT NULL DEFAULT '',
			error_msg         TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
	`)
	if err != nil {
		return fmt.Errorf("ensuring repository schema: %w", err)
	}
	return nil
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultMaxConns = 10

// Schema holds the tables the emulator archives finished runs into.
const Schema = `
CREATE SCHEMA IF NOT EXISTS taskreplay;

CREATE TABLE IF NOT EXISTS taskreplay.runs (
	id             UUID PRIMARY KEY,
	source         TEXT        NOT NULL,
	trigger_key    TEXT        NOT NULL DEFAULT '',
	status         TEXT        NOT NULL,
	error          TEXT,
	message_count  INT         NOT NULL,
	messages       JSONB       NOT NULL,
	responses      JSONB       NOT NULL,
	key_counts     JSONB       NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_finished_at_idx ON taskreplay.runs (finished_at DESC);
`

// Execer is the slice of a pgx pool or connection that schema setup needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	// Parse config from DSN
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = defaultMaxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Ping the database to verify connection
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the archive schema if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

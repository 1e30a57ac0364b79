package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB opens a connection pool and verifies it with a ping
func NewDB(ctx context.Context, dsn string, maxOpenConns int) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	parent_id   TEXT NOT NULL DEFAULT '',
	metadata    JSONB NOT NULL DEFAULT '{}',
	request     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS events_status_updated_idx ON events (status, updated_at);

CREATE TABLE IF NOT EXISTS generations (
	id          TEXT PRIMARY KEY,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	parent_id   TEXT NOT NULL DEFAULT '',
	request     JSONB NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}',
	status      TEXT NOT NULL,
	result      TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS generations_status_created_idx ON generations (status, created_at);
CREATE INDEX IF NOT EXISTS generations_deployment_idx ON generations ((metadata ->> 'deployment'));

CREATE TABLE IF NOT EXISTS event_generations (
	event_id      TEXT NOT NULL REFERENCES events (id),
	generation_id TEXT NOT NULL REFERENCES generations (id),
	PRIMARY KEY (event_id, generation_id)
);

CREATE INDEX IF NOT EXISTS event_generations_generation_idx ON event_generations (generation_id);

CREATE TABLE IF NOT EXISTS manifests (
	id            TEXT PRIMARY KEY,
	created_at    TIMESTAMPTZ NOT NULL,
	generation_id TEXT NOT NULL REFERENCES generations (id),
	bom           TEXT NOT NULL,
	metadata      JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS manifests_generation_idx ON manifests (generation_id);

CREATE TABLE IF NOT EXISTS status_history (
	seq        BIGSERIAL PRIMARY KEY,
	id         UUID NOT NULL UNIQUE,
	owner_id   TEXT NOT NULL,
	at         TIMESTAMPTZ NOT NULL,
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	changed_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS status_history_owner_idx ON status_history (owner_id, seq);
`

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

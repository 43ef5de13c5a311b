package persistence

import (
	"context"
	"database/sql"
)

var postgresDialect = dialect{
	name:       "postgres",
	numbered:   true,
	lockRow:    ` FOR UPDATE`,
	skipLocked: ` FOR UPDATE SKIP LOCKED`,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL DEFAULT '',
			workflow_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata TEXT,
			input TEXT,
			output TEXT,
			error TEXT,
			created_at BIGINT NOT NULL,
			completed_at BIGINT,
			locked_until BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT NOT NULL,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			visible_at BIGINT,
			attributes TEXT NOT NULL,
			PRIMARY KEY (id, execution_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_history_seq ON history(execution_id, seq)`,
		`CREATE TABLE IF NOT EXISTS pending_events (
			id TEXT NOT NULL,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			seq BIGINT NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			visible_at BIGINT,
			attributes TEXT NOT NULL,
			PRIMARY KEY (id, execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_visible ON pending_events(execution_id, visible_at)`,
	},
}

// NewPostgresBackend initializes the schema in db and returns a Backend on it.
//
// It expects an *sql.DB that uses a PostgreSQL driver. The caller is
// responsible for importing the driver for its side effects, e.g.:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
//
// Transactions lock the execution row, and claims skip rows locked by
// another worker.
func NewPostgresBackend(ctx context.Context, db *sql.DB, opts ...Option) (*SQLBackend, error) {
	return newSQLBackend(ctx, db, postgresDialect, opts)
}

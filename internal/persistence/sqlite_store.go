package persistence

import (
	"context"
	"database/sql"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL DEFAULT '',
			workflow_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata TEXT,
			input TEXT,
			output TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER,
			locked_until INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT NOT NULL,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			visible_at INTEGER,
			attributes TEXT NOT NULL,
			PRIMARY KEY (id, execution_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_history_seq ON history(execution_id, seq)`,
		`CREATE TABLE IF NOT EXISTS pending_events (
			id TEXT NOT NULL,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			seq INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			visible_at INTEGER,
			attributes TEXT NOT NULL,
			PRIMARY KEY (id, execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_visible ON pending_events(execution_id, visible_at)`,
	},
}

// NewSQLiteBackend initializes the schema in db and returns a Backend on it.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// SQLite allows a single writer, so the pool is limited to one connection.
func NewSQLiteBackend(ctx context.Context, db *sql.DB, opts ...Option) (*SQLBackend, error) {
	db.SetMaxOpenConns(1)
	return newSQLBackend(ctx, db, sqliteDialect, opts)
}

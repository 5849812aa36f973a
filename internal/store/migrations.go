package store

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	connection_id TEXT PRIMARY KEY,
	organization TEXT NOT NULL,
	project TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	auth_method TEXT NOT NULL CHECK(auth_method IN ('credential','interactive')),
	base_url TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS timer_state (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	work_item_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	started_at TEXT NOT NULL,
	paused INTEGER NOT NULL DEFAULT 0,
	saved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS timer_history (
	entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
	work_item_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	started_at TEXT NOT NULL,
	stopped_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	cap_applied INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS timer_history_stopped_at
ON timer_history(stopped_at DESC);

CREATE TABLE IF NOT EXISTS engine_snapshots (
	snapshot_id INTEGER PRIMARY KEY AUTOINCREMENT,
	engine_id TEXT NOT NULL,
	state TEXT NOT NULL,
	context_json TEXT NOT NULL,
	captured_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS engine_snapshots_engine_captured_at
ON engine_snapshots(engine_id, captured_at DESC);
`,
		DownSQL: `
DROP TABLE IF EXISTS engine_snapshots;
DROP TABLE IF EXISTS timer_history;
DROP TABLE IF EXISTS timer_state;
DROP TABLE IF EXISTS connections;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}

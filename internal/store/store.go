// Package store persists connections, the running timer, and engine
// snapshot history in a local sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/worklens/worklens/internal/model"
	"github.com/worklens/worklens/internal/timer"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) UpsertConnection(ctx context.Context, conn model.Connection) error {
	if strings.TrimSpace(conn.ID) == "" {
		return fmt.Errorf("connection id is required")
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO connections(connection_id, organization, project, label, auth_method, base_url, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(connection_id) DO UPDATE SET
	organization=excluded.organization,
	project=excluded.project,
	label=excluded.label,
	auth_method=excluded.auth_method,
	base_url=excluded.base_url
`, conn.ID, conn.Organization, conn.Project, conn.Label, string(conn.AuthMethod), conn.BaseURL, ts(conn.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, connectionID string) (model.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT connection_id, organization, project, label, auth_method, base_url, created_at
FROM connections
WHERE connection_id = ?
`, strings.TrimSpace(connectionID))
	return scanConnection(row)
}

func (s *Store) ListConnections(ctx context.Context) ([]model.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT connection_id, organization, project, label, auth_method, base_url, created_at
FROM connections
ORDER BY created_at ASC, connection_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	out := make([]model.Connection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter connections: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteConnection(ctx context.Context, connectionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = ?`, strings.TrimSpace(connectionID))
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete connection rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConnection(scanner interface{ Scan(dest ...any) error }) (model.Connection, error) {
	var (
		conn       model.Connection
		authMethod string
		createdAt  string
	)
	if err := scanner.Scan(&conn.ID, &conn.Organization, &conn.Project, &conn.Label, &authMethod, &conn.BaseURL, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Connection{}, ErrNotFound
		}
		return model.Connection{}, fmt.Errorf("scan connection: %w", err)
	}
	conn.AuthMethod = model.AuthMethod(authMethod)
	var err error
	conn.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.Connection{}, fmt.Errorf("parse connection created_at: %w", err)
	}
	return conn, nil
}

// SaveTimerState replaces the single persisted running-timer row so a
// restarted process can pick up where it left off.
func (s *Store) SaveTimerState(ctx context.Context, ps timer.PersistedState, savedAt time.Time) error {
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO timer_state(id, work_item_id, title, started_at, paused, saved_at)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	work_item_id=excluded.work_item_id,
	title=excluded.title,
	started_at=excluded.started_at,
	paused=excluded.paused,
	saved_at=excluded.saved_at
`, ps.WorkItemID, ps.Title, ts(ps.StartedAt), boolToInt(ps.Paused), ts(savedAt))
	if err != nil {
		return fmt.Errorf("save timer state: %w", err)
	}
	return nil
}

func (s *Store) LoadTimerState(ctx context.Context) (timer.PersistedState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT work_item_id, title, started_at, paused
FROM timer_state
WHERE id = 1
`)
	var (
		ps        timer.PersistedState
		startedAt string
		paused    int
	)
	if err := row.Scan(&ps.WorkItemID, &ps.Title, &startedAt, &paused); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return timer.PersistedState{}, ErrNotFound
		}
		return timer.PersistedState{}, fmt.Errorf("scan timer state: %w", err)
	}
	var err error
	ps.StartedAt, err = parseTS(startedAt)
	if err != nil {
		return timer.PersistedState{}, fmt.Errorf("parse timer started_at: %w", err)
	}
	ps.Paused = paused == 1
	return ps, nil
}

func (s *Store) ClearTimerState(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM timer_state WHERE id = 1`); err != nil {
		return fmt.Errorf("clear timer state: %w", err)
	}
	return nil
}

// AppendTimerHistory records a completed tracking run and prunes the table
// down to limit entries, newest first.
func (s *Store) AppendTimerHistory(ctx context.Context, entry model.TimerHistoryEntry, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin timer history tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO timer_history(work_item_id, title, started_at, stopped_at, duration_ms, cap_applied)
VALUES (?, ?, ?, ?, ?, ?)
`, entry.WorkItemID, entry.Title, ts(entry.StartedAt), ts(entry.StoppedAt), entry.Duration.Milliseconds(), boolToInt(entry.CapApplied)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("insert timer history: %w", err)
	}
	if limit > 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM timer_history
WHERE entry_id NOT IN (
	SELECT entry_id FROM timer_history ORDER BY entry_id DESC LIMIT ?
)
`, limit); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("prune timer history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit timer history: %w", err)
	}
	return nil
}

func (s *Store) ListTimerHistory(ctx context.Context, limit int) ([]model.TimerHistoryEntry, error) {
	query := `
SELECT work_item_id, title, started_at, stopped_at, duration_ms, cap_applied
FROM timer_history
ORDER BY entry_id DESC`
	args := make([]any, 0, 1)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timer history: %w", err)
	}
	defer rows.Close()

	out := make([]model.TimerHistoryEntry, 0)
	for rows.Next() {
		var (
			entry      model.TimerHistoryEntry
			startedAt  string
			stoppedAt  string
			durationMS int64
			capApplied int
		)
		if err := rows.Scan(&entry.WorkItemID, &entry.Title, &startedAt, &stoppedAt, &durationMS, &capApplied); err != nil {
			return nil, fmt.Errorf("scan timer history: %w", err)
		}
		entry.StartedAt, err = parseTS(startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse timer history started_at: %w", err)
		}
		entry.StoppedAt, err = parseTS(stoppedAt)
		if err != nil {
			return nil, fmt.Errorf("parse timer history stopped_at: %w", err)
		}
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entry.CapApplied = capApplied == 1
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter timer history: %w", err)
	}
	return out, nil
}

type EngineSnapshot struct {
	EngineID   string
	State      string
	Context    string
	CapturedAt time.Time
}

// SaveEngineSnapshot appends a snapshot for an engine and keeps at most
// limit rows per engine id.
func (s *Store) SaveEngineSnapshot(ctx context.Context, snap EngineSnapshot, limit int) error {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO engine_snapshots(engine_id, state, context_json, captured_at)
VALUES (?, ?, ?, ?)
`, snap.EngineID, snap.State, snap.Context, ts(snap.CapturedAt)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("insert engine snapshot: %w", err)
	}
	if limit > 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM engine_snapshots
WHERE engine_id = ?
  AND snapshot_id NOT IN (
	SELECT snapshot_id FROM engine_snapshots WHERE engine_id = ? ORDER BY snapshot_id DESC LIMIT ?
)
`, snap.EngineID, snap.EngineID, limit); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("prune engine snapshots: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit engine snapshot: %w", err)
	}
	return nil
}

func (s *Store) LatestEngineSnapshot(ctx context.Context, engineID string) (EngineSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT engine_id, state, context_json, captured_at
FROM engine_snapshots
WHERE engine_id = ?
ORDER BY snapshot_id DESC
LIMIT 1
`, engineID)
	return scanEngineSnapshot(row)
}

func (s *Store) ListEngineSnapshots(ctx context.Context, engineID string, limit int) ([]EngineSnapshot, error) {
	query := `
SELECT engine_id, state, context_json, captured_at
FROM engine_snapshots
WHERE engine_id = ?
ORDER BY snapshot_id DESC`
	args := []any{engineID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list engine snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]EngineSnapshot, 0)
	for rows.Next() {
		snap, err := scanEngineSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter engine snapshots: %w", err)
	}
	return out, nil
}

func scanEngineSnapshot(scanner interface{ Scan(dest ...any) error }) (EngineSnapshot, error) {
	var (
		snap       EngineSnapshot
		capturedAt string
	)
	if err := scanner.Scan(&snap.EngineID, &snap.State, &snap.Context, &capturedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EngineSnapshot{}, ErrNotFound
		}
		return EngineSnapshot{}, fmt.Errorf("scan engine snapshot: %w", err)
	}
	var err error
	snap.CapturedAt, err = parseTS(capturedAt)
	if err != nil {
		return EngineSnapshot{}, fmt.Errorf("parse snapshot captured_at: %w", err)
	}
	return snap, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"pomosync/internal/storage"
	"pomosync/internal/timer"

	_ "github.com/mattn/go-sqlite3"
)

const (
	stateKey   = "timer_state"
	carriedKey = "carried_intervals"
)

type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

func NewSQLiteStore(dbPath string) storage.Storage {
	return &SQLiteStore{dbPath: dbPath}
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fallback_id TEXT NOT NULL UNIQUE,
	project_id TEXT,
	started_at DATETIME NOT NULL,
	work_duration INTEGER NOT NULL,
	break_duration INTEGER NOT NULL,
	actual_duration INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT,
	backend_id TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_sessions (created_at);
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}

	slog.Info("Initializing SQLite session store", "path", s.dbPath)
	db, err := sql.Open("sqlite3", s.dbPath+"?_journal=WAL&_timeout=5000&_fk=true")
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	s.db = db

	// Single connection: every Set is one statement, so writers never interleave.
	s.db.SetMaxOpenConns(1)
	s.db.SetMaxIdleConns(1)
	s.db.SetConnMaxLifetime(time.Minute * 5)

	if err := s.db.PingContext(ctx); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, createTablesSQL); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		s.db.Close()
		return err
	}
	return nil
}

// migrate adds columns introduced after the first schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(pending_sessions)`)
	if err != nil {
		return fmt.Errorf("failed to inspect pending_sessions: %w", err)
	}
	hasBackendID := false
	for rows.Next() {
		var (
			cid        int
			name, kind string
			notNull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan table info: %w", err)
		}
		if name == "backend_id" {
			hasBackendID = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error reading table info: %w", err)
	}
	if hasBackendID {
		return nil
	}
	slog.Info("Migrating session store", "column", "pending_sessions.backend_id")
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE pending_sessions ADD COLUMN backend_id TEXT`); err != nil {
		return fmt.Errorf("failed to add backend_id column: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context) (*timer.State, error) {
	raw, ok, err := s.getValue(ctx, stateKey)
	if err != nil || !ok {
		return nil, err
	}
	var st timer.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to decode timer state: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) Set(ctx context.Context, st timer.State) error {
	if err := st.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid timer state: %w", err)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode timer state: %w", err)
	}
	return s.putValue(ctx, stateKey, string(raw))
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, stateKey); err != nil {
		return fmt.Errorf("failed to clear timer state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CarriedIntervals(ctx context.Context) (int, error) {
	raw, ok, err := s.getValue(ctx, carriedKey)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse carried intervals %q: %w", raw, err)
	}
	return n, nil
}

func (s *SQLiteStore) SetCarriedIntervals(ctx context.Context, n int) error {
	if n < 0 {
		n = 0
	}
	return s.putValue(ctx, carriedKey, strconv.Itoa(n))
}

func (s *SQLiteStore) getValue(ctx context.Context, key string) (string, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return raw, true, nil
}

func (s *SQLiteStore) putValue(ctx context.Context, key, value string) error {
	query := `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	          ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) EnqueuePending(ctx context.Context, p storage.PendingSession) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO pending_sessions
	          (fallback_id, project_id, started_at, work_duration, break_duration, actual_duration, outcome, reason, attempts, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	          ON CONFLICT(fallback_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query,
		p.FallbackID, p.ProjectID, p.StartedAt.UTC(), p.WorkDurationMinutes, p.BreakDurationMinutes,
		p.ActualDurationMinutes, string(p.Outcome), p.Reason, p.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue pending session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		// Already queued.
		return 0, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) PendingSessions(ctx context.Context) ([]storage.PendingSession, error) {
	query := `SELECT id, fallback_id, project_id, started_at, work_duration, break_duration,
	                 actual_duration, outcome, reason, backend_id, attempts, created_at
	          FROM pending_sessions
	          ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending sessions: %w", err)
	}
	defer rows.Close()

	var out []storage.PendingSession
	for rows.Next() {
		var p storage.PendingSession
		var projectID, reason, backendID sql.NullString
		var outcome string
		if err := rows.Scan(&p.ID, &p.FallbackID, &projectID, &p.StartedAt, &p.WorkDurationMinutes,
			&p.BreakDurationMinutes, &p.ActualDurationMinutes, &outcome, &reason, &backendID, &p.Attempts, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending session row: %w", err)
		}
		p.ProjectID = projectID.String
		p.Reason = reason.String
		p.BackendID = backendID.String
		p.Outcome = storage.Outcome(outcome)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending session rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkPendingAttempt(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE pending_sessions SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to update pending session %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkPendingRegistered(ctx context.Context, id int64, backendID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE pending_sessions SET backend_id = ? WHERE id = ?`, backendID, id); err != nil {
		return fmt.Errorf("failed to record backend id for pending session %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeletePending(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete pending session %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		slog.Info("Closing session store")
		return s.db.Close()
	}
	return nil
}

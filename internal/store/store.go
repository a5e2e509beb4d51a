// Package store persists tasks and agent runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ashleyhindle/fuel/internal/lock"

	_ "modernc.org/sqlite"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrAmbiguousID  = errors.New("task id is ambiguous")
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	complexity TEXT NOT NULL DEFAULT 'simple',
	priority INTEGER NOT NULL DEFAULT 2,
	labels TEXT NOT NULL DEFAULT '[]',
	blocked_by TEXT NOT NULL DEFAULT '[]',
	epic_id TEXT NULL,
	reason TEXT NULL,
	commit_hash TEXT NULL,
	consumed INTEGER NOT NULL DEFAULT 0,
	consumed_at INTEGER NULL,
	consumed_exit_code INTEGER NULL,
	consumed_output TEXT NULL,
	consume_pid INTEGER NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority, created_at);

CREATE TABLE IF NOT EXISTS runs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	task_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	pid INTEGER NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NULL,
	exit_code INTEGER NULL,
	output TEXT NULL,
	session_id TEXT NULL,
	cost_usd REAL NULL,
	duration_seconds REAL NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id, seq);
`

// Store implements the task and run services over one SQLite database.
// Writes to a task row are serialised per id inside the process and by
// IMMEDIATE transactions across processes.
type Store struct {
	db    *sql.DB
	locks *lock.MutexMap
	now   func() time.Time
}

func Open(dbPath string) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	return &Store{
		db:    db,
		locks: lock.NewMutexMap(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func nanoToTime(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullableNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullNanoToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := nanoToTime(v.Int64)
	return &t
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

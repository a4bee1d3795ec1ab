// Package store persists per-entity workflow state as JSON records in
// SQLite, keyed by "issue-{n}" and "pr-{n}", with atomic per-key
// read-modify-write. It also keeps an append-only activity log for audit.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
)

type Store struct {
	conn *sql.DB

	// onActivity, when set, is called after every logged activity entry.
	// Used to stream transitions to WebSocket clients.
	onActivity func(ActivityEntry)
}

// OnActivity registers the activity callback. Call before the store is
// shared across goroutines.
func (s *Store) OnActivity(fn func(ActivityEntry)) {
	s.onActivity = fn
}

const schema = `
CREATE TABLE IF NOT EXISTS states (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	entity_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_activity_entity ON activity_log(entity_key);
`

// DefaultPath returns the default database location (~/.conductor).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".conductor")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "conductor.db"), nil
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	// _txlock=immediate makes every transaction take the write lock at
	// BEGIN, so concurrent read-modify-writes queue on busy_timeout
	// instead of failing at commit with a snapshot conflict.
	conn, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// tx runs fn within an immediate transaction (see Open). Busy/locked
// failures are classified as state conflicts so callers re-read and
// reapply.
func (s *Store) tx(fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.conn.Begin()
	if err != nil {
		return classifyDBErr(fmt.Errorf("beginning transaction: %w", err))
	}
	if err := fn(sqlTx); err != nil {
		sqlTx.Rollback()
		return classifyDBErr(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classifyDBErr(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// classifyDBErr marks concurrent-write failures as state conflicts.
func classifyDBErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return faults.StateConflict(err)
	}
	return err
}

// ActivityEntry is one row of the audit trail.
type ActivityEntry struct {
	ID         string    `json:"id"`
	EntityKey  string    `json:"entity_key"`
	EventType  string    `json:"event_type"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LogActivity appends an entry to the audit trail.
func (s *Store) LogActivity(entityKey, eventType, from, to, detail string) error {
	entry := ActivityEntry{
		ID:         uuid.New().String(),
		EntityKey:  entityKey,
		EventType:  eventType,
		FromStatus: from,
		ToStatus:   to,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.conn.Exec(`
		INSERT INTO activity_log (id, entity_key, event_type, from_status, to_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EntityKey, entry.EventType, entry.FromStatus, entry.ToStatus, entry.Detail,
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return classifyDBErr(fmt.Errorf("logging activity: %w", err))
	}
	if s.onActivity != nil {
		s.onActivity(entry)
	}
	return nil
}

// ListActivity returns the most recent entries, newest first.
func (s *Store) ListActivity(limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(`
		SELECT id, entity_key, event_type, from_status, to_status, detail, created_at
		FROM activity_log ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.EntityKey, &e.EventType, &e.FromStatus, &e.ToStatus, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning activity entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

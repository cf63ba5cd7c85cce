// Package store provides typed persistence for sessions, messages, agent
// steps, tool calls, LLM calls, permission requests, attachments, and
// snapshots over a single embedded SQLite database file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the database handle. All methods are safe for concurrent
// use; SQLite serializes writes internally.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for collaborating stores.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS model_configs (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			provider   TEXT NOT NULL,
			model      TEXT NOT NULL,
			base_url   TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id                  TEXT PRIMARY KEY,
			title               TEXT NOT NULL DEFAULT '',
			model_config_id     TEXT NOT NULL DEFAULT '',
			work_path           TEXT NOT NULL DEFAULT '',
			message_count       INTEGER NOT NULL DEFAULT 0,
			turn_count          INTEGER NOT NULL DEFAULT 0,
			summary             TEXT NOT NULL DEFAULT '',
			boundary_call_id    INTEGER NOT NULL DEFAULT 0,
			boundary_message_id INTEGER NOT NULL DEFAULT 0,
			created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER NOT NULL,
			session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			raw_request TEXT NOT NULL DEFAULT '',
			raw_response TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_steps (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			message_id INTEGER NOT NULL,
			sequence   INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			message_id INTEGER NOT NULL,
			name       TEXT NOT NULL,
			input      TEXT NOT NULL DEFAULT '',
			output     TEXT NOT NULL DEFAULT '',
			is_error   INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS llm_calls (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			message_id     INTEGER NOT NULL,
			iteration      INTEGER NOT NULL DEFAULT 0,
			streaming      INTEGER NOT NULL DEFAULT 0,
			profile        TEXT NOT NULL DEFAULT '',
			format         TEXT NOT NULL DEFAULT '',
			request        TEXT NOT NULL DEFAULT '',
			response       TEXT NOT NULL DEFAULT '',
			extracted_text TEXT NOT NULL DEFAULT '',
			processed_text TEXT NOT NULL DEFAULT '',
			created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS permission_requests (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			tool_name  TEXT NOT NULL,
			action     TEXT NOT NULL DEFAULT '',
			target     TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			message_id INTEGER NOT NULL,
			kind       TEXT NOT NULL DEFAULT 'file',
			mime_type  TEXT NOT NULL DEFAULT '',
			filename   TEXT NOT NULL DEFAULT '',
			width      INTEGER NOT NULL DEFAULT 0,
			height     INTEGER NOT NULL DEFAULT 0,
			size       INTEGER NOT NULL DEFAULT 0,
			data       BLOB,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			message_id INTEGER NOT NULL,
			tree_hash  TEXT NOT NULL,
			work_path  TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_message ON agent_steps(session_id, message_id, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(session_id, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_calls_session ON llm_calls(session_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_permissions_session ON permission_requests(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_message ON snapshots(session_id, message_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) touchSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, sessionID)
	return err
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/anvil/pkg/models"
)

// CreateSession inserts a new session. A missing ID is generated.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, model_config_id, work_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.Title, session.ModelConfigID, session.WorkPath, now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, model_config_id, work_path, message_count, turn_count,
		       summary, boundary_call_id, boundary_message_id, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var sess models.Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.ModelConfigID, &sess.WorkPath,
		&sess.MessageCount, &sess.TurnCount,
		&sess.Summary, &sess.BoundaryCallID, &sess.BoundaryMessageID,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns sessions ordered by recency.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, model_config_id, work_path, message_count, turn_count,
		       summary, boundary_call_id, boundary_message_id, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.ModelConfigID, &sess.WorkPath,
			&sess.MessageCount, &sess.TurnCount,
			&sess.Summary, &sess.BoundaryCallID, &sess.BoundaryMessageID,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// UpdateSessionTitle replaces the session title.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

// UpdateSessionCompression persists the compression state produced by a
// successful compression round.
func (s *Store) UpdateSessionCompression(ctx context.Context, id, summary string, boundaryCallID, boundaryMessageID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET summary = ?, boundary_call_id = ?, boundary_message_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		summary, boundaryCallID, boundaryMessageID, id)
	if err != nil {
		return fmt.Errorf("update session compression: %w", err)
	}
	return nil
}

// BumpTurnCount increments the per-session turn counter.
func (s *Store) BumpTurnCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET turn_count = turn_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// DeleteSession removes a session; foreign keys cascade to all child rows.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertModelConfig inserts or replaces a model profile row.
func (s *Store) UpsertModelConfig(ctx context.Context, mc *models.ModelConfig) error {
	if mc.ID == "" {
		mc.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_configs (id, name, provider, model, base_url)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, provider = excluded.provider,
			model = excluded.model, base_url = excluded.base_url`,
		mc.ID, mc.Name, mc.Provider, mc.Model, mc.BaseURL)
	if err != nil {
		return fmt.Errorf("upsert model config: %w", err)
	}
	return nil
}

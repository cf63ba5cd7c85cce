package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// AppendMessage inserts a message with the next id in the session and
// bumps the session's message counter. IDs are assigned inside one
// transaction so they are strictly increasing per session.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(id) FROM messages WHERE session_id = ?`, msg.SessionID).Scan(&maxID); err != nil {
		return fmt.Errorf("next message id: %w", err)
	}
	msg.ID = maxID.Int64 + 1
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, raw_request, raw_response, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.RawRequest, msg.RawResponse, now, now); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		msg.SessionID); err != nil {
		return fmt.Errorf("bump message count: %w", err)
	}
	return tx.Commit()
}

// GetMessage returns one message.
func (s *Store) GetMessage(ctx context.Context, sessionID string, id int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, raw_request, raw_response, created_at, updated_at
		FROM messages WHERE session_id = ? AND id = ?`, sessionID, id)

	var msg models.Message
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
		&msg.RawRequest, &msg.RawResponse, &msg.CreatedAt, &msg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns dialogue messages with id > afterID in order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, afterID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, raw_request, raw_response, created_at, updated_at
		FROM messages WHERE session_id = ? AND id > ? ORDER BY id`, sessionID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&msg.RawRequest, &msg.RawResponse, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// FinalizeMessage sets the content of an assistant message at turn end.
func (s *Store) FinalizeMessage(ctx context.Context, sessionID string, id int64, content string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND id = ?`, content, sessionID, id)
	if err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	return nil
}

// DeleteMessagesFrom removes all messages with id >= fromID plus their
// steps, tool calls, llm calls, and attachments, and adjusts the session
// counter. Used by rollback after the workspace restore succeeds.
func (s *Store) DeleteMessagesFrom(ctx context.Context, sessionID string, fromID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	for _, q := range []string{
		`DELETE FROM agent_steps  WHERE session_id = ? AND message_id >= ?`,
		`DELETE FROM tool_calls   WHERE session_id = ? AND message_id >= ?`,
		`DELETE FROM llm_calls    WHERE session_id = ? AND message_id >= ?`,
		`DELETE FROM attachments  WHERE session_id = ? AND message_id >= ?`,
		`DELETE FROM snapshots    WHERE session_id = ? AND message_id >= ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID, fromID); err != nil {
			return fmt.Errorf("rollback children: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND id >= ?`, sessionID, fromID)
	if err != nil {
		return fmt.Errorf("rollback messages: %w", err)
	}
	removed, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = MAX(message_count - ?, 0), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, removed, sessionID); err != nil {
		return fmt.Errorf("adjust message count: %w", err)
	}
	return tx.Commit()
}

// AddAttachment persists an attachment row.
func (s *Store) AddAttachment(ctx context.Context, att *models.Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, session_id, message_id, kind, mime_type, filename, width, height, size, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.SessionID, att.MessageID, att.Kind, att.MimeType, att.Filename,
		att.Width, att.Height, att.Size, att.Data)
	if err != nil {
		return fmt.Errorf("add attachment: %w", err)
	}
	return nil
}

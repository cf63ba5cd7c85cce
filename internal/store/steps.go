package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// AppendStep persists an agent step, assigning the next dense sequence
// number within its message. Delta kinds are rejected: they are
// transmitted to clients but never stored.
func (s *Store) AppendStep(ctx context.Context, step *models.AgentStep) error {
	if !step.Kind.Persistent() {
		return fmt.Errorf("step kind %q is not persistable", step.Kind)
	}

	meta := "{}"
	if len(step.Metadata) > 0 {
		data, err := json.Marshal(step.Metadata)
		if err != nil {
			return fmt.Errorf("encode step metadata: %w", err)
		}
		meta = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM agent_steps WHERE session_id = ? AND message_id = ?`,
		step.SessionID, step.MessageID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("next step sequence: %w", err)
	}
	if maxSeq.Valid {
		step.Sequence = int(maxSeq.Int64) + 1
	} else {
		step.Sequence = 0
	}
	step.CreatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO agent_steps (session_id, message_id, sequence, kind, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.SessionID, step.MessageID, step.Sequence, step.Kind, step.Content, meta, step.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	if step.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSteps returns all persisted steps for a message in sequence order.
func (s *Store) ListSteps(ctx context.Context, sessionID string, messageID int64) ([]*models.AgentStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, message_id, sequence, kind, content, metadata, created_at
		FROM agent_steps WHERE session_id = ? AND message_id = ? ORDER BY sequence`,
		sessionID, messageID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentStep
	for rows.Next() {
		var step models.AgentStep
		var meta string
		if err := rows.Scan(&step.ID, &step.SessionID, &step.MessageID, &step.Sequence,
			&step.Kind, &step.Content, &meta, &step.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &step.Metadata); err != nil {
				return nil, fmt.Errorf("decode step metadata: %w", err)
			}
		}
		out = append(out, &step)
	}
	return out, rows.Err()
}

// InsertToolCall records a tool invocation with empty output; the paired
// observation completes it.
func (s *Store) InsertToolCall(ctx context.Context, call *models.ToolCall) error {
	now := time.Now().UTC()
	call.CreatedAt = now
	call.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (session_id, message_id, name, input, output, is_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		call.SessionID, call.MessageID, call.Name, call.Input, call.Output,
		boolToInt(call.IsError), now, now)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	call.ID, err = res.LastInsertId()
	return err
}

// CompleteToolCall fills in the output for a previously inserted call.
func (s *Store) CompleteToolCall(ctx context.Context, id int64, output string, isError bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls SET output = ?, is_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		output, boolToInt(isError), id)
	if err != nil {
		return fmt.Errorf("complete tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns tool calls for a message in insertion order.
func (s *Store) ListToolCalls(ctx context.Context, sessionID string, messageID int64) ([]*models.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, message_id, name, input, output, is_error, created_at, updated_at
		FROM tool_calls WHERE session_id = ? AND message_id = ? ORDER BY id`,
		sessionID, messageID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolCall
	for rows.Next() {
		var call models.ToolCall
		var isErr int
		if err := rows.Scan(&call.ID, &call.SessionID, &call.MessageID, &call.Name,
			&call.Input, &call.Output, &isErr, &call.CreatedAt, &call.UpdatedAt); err != nil {
			return nil, err
		}
		call.IsError = isErr != 0
		out = append(out, &call)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

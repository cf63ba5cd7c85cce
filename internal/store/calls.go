package store

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// InsertLLMCall records one model invocation.
func (s *Store) InsertLLMCall(ctx context.Context, call *models.LLMCall) error {
	call.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_calls (session_id, message_id, iteration, streaming, profile, format,
		                       request, response, extracted_text, processed_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.SessionID, call.MessageID, call.Iteration, boolToInt(call.Streaming),
		call.Profile, call.Format, call.Request, call.Response,
		call.ExtractedText, call.ProcessedText, call.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	call.ID, err = res.LastInsertId()
	return err
}

// AttachLLMResponse fills in the response payload and extracted text of a
// previously inserted call.
func (s *Store) AttachLLMResponse(ctx context.Context, id int64, response, extracted, processed string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE llm_calls SET response = ?, extracted_text = ?, processed_text = ? WHERE id = ?`,
		response, extracted, processed, id)
	if err != nil {
		return fmt.Errorf("attach llm response: %w", err)
	}
	return nil
}

// ListLLMCallsAfter returns calls with id > afterID for a session, ordered
// by id. The compressor walks these to pick a new boundary.
func (s *Store) ListLLMCallsAfter(ctx context.Context, sessionID string, afterID int64) ([]*models.LLMCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, message_id, iteration, streaming, profile, format,
		       request, response, extracted_text, processed_text, created_at
		FROM llm_calls WHERE session_id = ? AND id > ? ORDER BY id`,
		sessionID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list llm calls: %w", err)
	}
	defer rows.Close()

	var out []*models.LLMCall
	for rows.Next() {
		var call models.LLMCall
		var streaming int
		if err := rows.Scan(&call.ID, &call.SessionID, &call.MessageID, &call.Iteration,
			&streaming, &call.Profile, &call.Format, &call.Request, &call.Response,
			&call.ExtractedText, &call.ProcessedText, &call.CreatedAt); err != nil {
			return nil, err
		}
		call.Streaming = streaming != 0
		out = append(out, &call)
	}
	return out, rows.Err()
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/haasonsaas/anvil/internal/runtime"
	"github.com/haasonsaas/anvil/internal/store"
	"github.com/haasonsaas/anvil/pkg/models"
)

// chatRequest is the body of both chat endpoints. Attachment data is
// base64 in transit.
type chatRequest struct {
	Message           string              `json:"message"`
	SessionID         string              `json:"session_id,omitempty"`
	ConfigID          string              `json:"config_id,omitempty"`
	WorkPath          string              `json:"work_path,omitempty"`
	AgentMode         string              `json:"agent_mode,omitempty"`
	ShellUnrestricted bool                `json:"shell_unrestricted,omitempty"`
	Attachments       []attachmentPayload `json:"attachments,omitempty"`
}

type attachmentPayload struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

func (req *chatRequest) toTurnRequest() *runtime.TurnRequest {
	out := &runtime.TurnRequest{
		SessionID:         req.SessionID,
		ConfigID:          req.ConfigID,
		WorkPath:          req.WorkPath,
		AgentMode:         req.AgentMode,
		ShellUnrestricted: req.ShellUnrestricted,
		Message:           req.Message,
	}
	for _, att := range req.Attachments {
		out.Attachments = append(out.Attachments, runtime.IncomingAttachment{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Data:     att.Data,
		})
	}
	return out
}

// turnMeta is the first SSE event of a streamed turn.
type turnMeta struct {
	SessionID          string              `json:"session_id"`
	UserMessageID      int64               `json:"user_message_id"`
	AssistantMessageID int64               `json:"assistant_message_id"`
	UserAttachments    []models.Attachment `json:"user_attachments"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	turn, err := s.runtime.StartTurn(r.Context(), req.toTurnRequest())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Warn("sse encode failed", "error", err)
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	send(turnMeta{
		SessionID:          turn.SessionID,
		UserMessageID:      turn.UserMessageID,
		AssistantMessageID: turn.AssistantMessageID,
		UserAttachments:    withoutBlobs(turn.UserAttachments),
	})

	for step := range turn.Steps {
		send(struct {
			StepType models.StepKind `json:"step_type"`
			Content  string          `json:"content"`
			Metadata map[string]any  `json:"metadata,omitempty"`
		}{step.Kind, step.Content, step.Metadata})
	}

	send(map[string]any{"done": true, "session_id": turn.SessionID})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	turn, err := s.runtime.StartTurn(r.Context(), req.toTurnRequest())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var reply string
	for step := range turn.Steps {
		if step.Kind == models.StepAnswer {
			reply = step.Content
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reply":      reply,
		"session_id": turn.SessionID,
		"message_id": turn.AssistantMessageID,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": s.runtime.Stop(req.MessageID)})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		MessageID int64  `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	res, err := s.runtime.Rollback(r.Context(), req.SessionID, req.MessageID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	pending, err := s.broker.ListPending(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if pending == nil {
		pending = []*models.PermissionRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": pending})
}

func (s *Server) handleDecidePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	var status models.PermissionStatus
	switch req.Decision {
	case "approve":
		status = models.PermissionApproved
	case "deny":
		status = models.PermissionDenied
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("decision must be approve or deny, got %q", req.Decision))
		return
	}

	if err := s.broker.Update(r.Context(), r.PathValue("id"), status); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordPermissionOutcome(string(status))
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "status": status})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// withoutBlobs strips attachment payloads from response metadata; clients
// get dimensions and ids, not bytes.
func withoutBlobs(in []models.Attachment) []models.Attachment {
	out := make([]models.Attachment, len(in))
	for i, att := range in {
		att.Data = nil
		out[i] = att
	}
	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrEmptyMessage), errors.Is(err, runtime.ErrNoModelProfile):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

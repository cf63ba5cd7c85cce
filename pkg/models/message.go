// Package models provides domain types for the Anvil agent runtime.
package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session represents a conversation thread. Sessions own all child rows
// (messages, steps, calls, snapshots, permission requests); deleting a
// session cascades to them.
type Session struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	ModelConfigID string    `json:"model_config_id,omitempty"`
	WorkPath      string    `json:"work_path,omitempty"`
	MessageCount  int       `json:"message_count"`
	TurnCount     int       `json:"turn_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Compression state. Summary holds the running context summary;
	// the boundary ids mark the last model call folded into it.
	Summary           string `json:"summary,omitempty"`
	BoundaryCallID    int64  `json:"boundary_call_id,omitempty"`
	BoundaryMessageID int64  `json:"boundary_message_id,omitempty"`
}

// Message is one dialogue entry within a session. IDs are strictly
// increasing per session. Assistant messages start with empty content
// and are finalized when the turn completes.
type Message struct {
	ID          int64        `json:"id"`
	SessionID   string       `json:"session_id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	RawRequest  string       `json:"raw_request,omitempty"`
	RawResponse string       `json:"raw_response,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Attachment represents a file or image attached to a message. Images are
// re-encoded during preprocessing; Width/Height/Size describe the stored
// form, not the upload.
type Attachment struct {
	ID        string    `json:"id"`
	MessageID int64     `json:"message_id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // image, file
	MimeType  string    `json:"mime_type,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// ModelConfig identifies a model profile a session is bound to.
type ModelConfig struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	BaseURL   string    `json:"base_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

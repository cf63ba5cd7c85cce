package models

import (
	"time"
)

// PermissionStatus represents the state of a permission request.
type PermissionStatus string

const (
	PermissionPending  PermissionStatus = "pending"
	PermissionApproved PermissionStatus = "approved"
	PermissionDenied   PermissionStatus = "denied"
	PermissionTimeout  PermissionStatus = "timeout"
)

// Terminal reports whether the status is a final decision.
func (s PermissionStatus) Terminal() bool {
	return s != PermissionPending && s != ""
}

// PermissionRequest represents a blocked tool call awaiting external
// approval. The approver may live in a separate process sharing the same
// database; the waiting tool polls for a terminal status.
type PermissionRequest struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	ToolName  string           `json:"tool_name"`
	Action    string           `json:"action"`
	Target    string           `json:"target"` // path or command
	Reason    string           `json:"reason"`
	Status    PermissionStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	DecidedAt time.Time        `json:"decided_at,omitempty"`
}

// Snapshot maps an assistant message to the content-addressed tree hash of
// the workspace taken before the turn began.
type Snapshot struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	MessageID int64     `json:"message_id"`
	TreeHash  string    `json:"tree_hash"`
	WorkPath  string    `json:"work_path"`
	CreatedAt time.Time `json:"created_at"`
}

package models

import (
	"time"
)

// StepKind identifies the kind of agent step.
type StepKind string

const (
	// Persisted kinds.
	StepThought     StepKind = "thought"
	StepAction      StepKind = "action"
	StepObservation StepKind = "observation"
	StepAnswer      StepKind = "answer"
	StepError       StepKind = "error"
	StepReasoning   StepKind = "reasoning"

	// Streaming-only kinds. Emitted to clients, never persisted.
	StepContentDelta   StepKind = "content_delta"
	StepReasoningDelta StepKind = "reasoning_delta"
	StepToolCallDelta  StepKind = "tool_call_delta"
)

// Persistent reports whether steps of this kind are written to the
// repository. Delta kinds exist only on the wire.
func (k StepKind) Persistent() bool {
	switch k {
	case StepContentDelta, StepReasoningDelta, StepToolCallDelta:
		return false
	}
	return true
}

// AgentStep is one discrete event emitted by the agent loop. Persisted
// steps carry a dense, zero-based Sequence within their assistant message.
type AgentStep struct {
	ID        int64          `json:"id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	MessageID int64          `json:"message_id,omitempty"`
	Sequence  int            `json:"sequence"`
	Kind      StepKind       `json:"step_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// ToolCall records one tool invocation made during an assistant message.
// Logically there is one ToolCall per action/observation pair.
type ToolCall struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	MessageID int64     `json:"message_id"`
	Name      string    `json:"name"`
	Input     string    `json:"input"`
	Output    string    `json:"output,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LLMCall records one model invocation.
type LLMCall struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	MessageID     int64     `json:"message_id"`
	Iteration     int       `json:"iteration"`
	Streaming     bool      `json:"streaming"`
	Profile       string    `json:"profile,omitempty"`
	Format        string    `json:"format,omitempty"`
	Request       string    `json:"request"`
	Response      string    `json:"response,omitempty"`
	ExtractedText string    `json:"extracted_text,omitempty"`
	ProcessedText string    `json:"processed_text,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

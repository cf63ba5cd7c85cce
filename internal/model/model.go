// Package model abstracts streaming chat backends behind a single Client
// interface producing a typed event stream.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType discriminates stream events.
type EventType string

const (
	EventContent       EventType = "content"
	EventReasoning     EventType = "reasoning"
	EventToolCallDelta EventType = "tool_call_delta"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Event is one unit of a model response stream. Content and reasoning
// events carry Text. Tool-call deltas carry the slot Index plus whichever
// of CallID, Name, ArgsDelta arrived in the fragment. The terminal done
// event carries the assembled FinalText and the completed Calls.
type Event struct {
	Type      EventType
	Text      string
	Index     int
	CallID    string
	Name      string
	ArgsDelta string
	FinalText string
	Calls     []ToolInvocation
	Err       error
}

// ToolInvocation is a completed native tool call extracted from a stream.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments string
}

// Message roles on the model wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one entry of the model conversation. Assistant messages
// may carry ToolCalls; tool-result messages carry the ToolCallID they
// answer.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolInvocation
	ToolCallID string
	Images     []Image
}

// Image is an inline image attachment.
type Image struct {
	MimeType string
	Data     []byte
}

// ToolDefinition describes a callable tool for the model.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one model invocation.
type Request struct {
	System    string
	Messages  []ChatMessage
	Tools     []ToolDefinition
	MaxTokens int
}

// Client is a streaming chat backend.
type Client interface {
	// Name identifies the backend for logging.
	Name() string
	// Stream starts a completion and returns its event channel. The
	// channel is closed after a done or error event.
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
	// Complete performs a non-streaming completion and returns the text.
	Complete(ctx context.Context, req *Request) (string, error)
}

// StatusError carries the HTTP status of a failed backend call so the
// retry layer can separate transient from fatal failures.
type StatusError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Transient reports whether err is a retryable 5xx backend failure.
func Transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 && se.StatusCode < 600
	}
	return false
}

// Package tools defines the tool contract, the registry, and the
// dispatcher that gates and executes tool invocations.
package tools

import (
	"context"
	"encoding/json"
)

// AgentMode is the policy profile applied to tool invocations.
type AgentMode string

const (
	ModeDefault   AgentMode = "default"
	ModeShellSafe AgentMode = "shell_safe"
	ModeSuper     AgentMode = "super"
)

// Context is the per-invocation bag carried through tool execution.
type Context struct {
	SessionID         string
	WorkPath          string
	AgentMode         AgentMode
	ShellUnrestricted bool
}

// Tool is one callable capability exposed to the model.
type Tool interface {
	// Name returns the tool name for model function calling. Must be a
	// valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a one-line description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with validated JSON parameters.
	Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error)
}

// Result is the output of a tool execution. Failures the model should see
// are communicated with IsError rather than an error return.
type Result struct {
	Content string
	IsError bool
}

// Violation describes a policy gate failure that requires out-of-band
// approval before the invocation may proceed.
type Violation struct {
	// Action tags the gated operation (read, write, shell).
	Action string
	// Target is the path or command being gated.
	Target string
	// Reason is the operator-facing explanation.
	Reason string
	// AllowlistBasename, when set, is appended to the shell allowlist if
	// the request is approved.
	AllowlistBasename string
}

// Mutating marks tools able to modify the workspace. The dispatcher
// refuses them when the session has no work path bound, since without
// one their mutations would land outside any snapshot.
type Mutating interface {
	MutatesWorkspace()
}

// Gated is implemented by tools whose invocations pass a policy gate
// before execution.
type Gated interface {
	// Gate inspects the parsed parameters and returns a Violation when
	// approval is required, or nil when the invocation may proceed.
	Gate(params json.RawMessage, tc *Context) *Violation
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/term"
)

// TerminalOpenTool starts a long-lived interactive process under a PTY.
// It passes the same policy gate as run_shell.
type TerminalOpenTool struct {
	cfg     *config.Store
	manager *term.Manager
}

// NewTerminalOpenTool creates the terminal_open tool.
func NewTerminalOpenTool(cfg *config.Store, manager *term.Manager) *TerminalOpenTool {
	return &TerminalOpenTool{cfg: cfg, manager: manager}
}

func (t *TerminalOpenTool) Name() string { return "terminal_open" }

func (t *TerminalOpenTool) MutatesWorkspace() {}

func (t *TerminalOpenTool) Description() string {
	return "Start a long-lived interactive command under a terminal"
}

func (t *TerminalOpenTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The command to run interactively"}
		},
		"required": ["command"]
	}`)
}

func (t *TerminalOpenTool) Gate(params json.RawMessage, tc *Context) *Violation {
	var p runShellParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return shellGate(t.cfg.Get(), tc, p.Command)
}

func (t *TerminalOpenTool) Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p runShellParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	workDir, err := resolvePath(tc.WorkPath, ".")
	if err != nil {
		return nil, err
	}
	proc, err := t.manager.Open(tc.SessionID, p.Command, workDir)
	if err != nil {
		return &Result{Content: fmt.Sprintf("Cannot open terminal: %v", err), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("Opened terminal %s (state=%s)", proc.ID, proc.State())}, nil
}

// TerminalSendTool writes input to an open terminal.
type TerminalSendTool struct {
	manager *term.Manager
}

// NewTerminalSendTool creates the terminal_send tool.
func NewTerminalSendTool(manager *term.Manager) *TerminalSendTool {
	return &TerminalSendTool{manager: manager}
}

func (t *TerminalSendTool) Name() string { return "terminal_send" }

func (t *TerminalSendTool) MutatesWorkspace() {}

func (t *TerminalSendTool) Description() string {
	return "Send input to an open terminal"
}

func (t *TerminalSendTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pty_id": {"type": "string", "description": "Terminal id from terminal_open"},
			"input": {"type": "string", "description": "Text to send"},
			"newline": {"type": "boolean", "description": "Append a newline (default true)"}
		},
		"required": ["pty_id", "input"]
	}`)
}

func (t *TerminalSendTool) Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p struct {
		PtyID   string `json:"pty_id"`
		Input   string `json:"input"`
		Newline *bool  `json:"newline"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	proc, ok := t.manager.Get(tc.SessionID, p.PtyID)
	if !ok {
		return &Result{Content: fmt.Sprintf("No terminal %s", p.PtyID), IsError: true}, nil
	}
	data := p.Input
	if p.Newline == nil || *p.Newline {
		data += "\n"
	}
	n, err := proc.Write([]byte(data))
	if err != nil {
		return &Result{Content: fmt.Sprintf("Cannot write to terminal %s: %v", p.PtyID, err), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("Sent %d bytes", n)}, nil
}

// TerminalReadTool reads buffered output from an open terminal.
type TerminalReadTool struct {
	cfg     *config.Store
	manager *term.Manager
}

// NewTerminalReadTool creates the terminal_read tool.
func NewTerminalReadTool(cfg *config.Store, manager *term.Manager) *TerminalReadTool {
	return &TerminalReadTool{cfg: cfg, manager: manager}
}

func (t *TerminalReadTool) Name() string { return "terminal_read" }

func (t *TerminalReadTool) Description() string {
	return "Read output from an open terminal from a byte cursor"
}

func (t *TerminalReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pty_id": {"type": "string", "description": "Terminal id from terminal_open"},
			"cursor": {"type": "integer", "description": "Byte cursor of the previous read (default 0)"},
			"max_output": {"type": "integer", "description": "Maximum bytes to return"}
		},
		"required": ["pty_id"]
	}`)
}

func (t *TerminalReadTool) Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p struct {
		PtyID     string `json:"pty_id"`
		Cursor    int64  `json:"cursor"`
		MaxOutput int    `json:"max_output"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	proc, ok := t.manager.Get(tc.SessionID, p.PtyID)
	if !ok {
		return &Result{Content: fmt.Sprintf("No terminal %s", p.PtyID), IsError: true}, nil
	}
	maxOutput := p.MaxOutput
	if maxOutput <= 0 {
		maxOutput = t.cfg.Get().Shell.MaxOutput
	}

	text, cursor, reset := proc.Read(p.Cursor, maxOutput)

	var footer strings.Builder
	fmt.Fprintf(&footer, "[cursor=%d state=%s", cursor, proc.State())
	if code, exited := proc.ExitCode(); exited {
		fmt.Fprintf(&footer, " exit_code=%d", code)
	}
	if reset {
		footer.WriteString(" reset=true")
	}
	footer.WriteString("]")

	if text == "" {
		return &Result{Content: footer.String()}, nil
	}
	return &Result{Content: text + "\n" + footer.String()}, nil
}

// TerminalCloseTool closes an open terminal.
type TerminalCloseTool struct {
	manager *term.Manager
}

// NewTerminalCloseTool creates the terminal_close tool.
func NewTerminalCloseTool(manager *term.Manager) *TerminalCloseTool {
	return &TerminalCloseTool{manager: manager}
}

func (t *TerminalCloseTool) Name() string { return "terminal_close" }

func (t *TerminalCloseTool) Description() string {
	return "Close an open terminal, killing its process"
}

func (t *TerminalCloseTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pty_id": {"type": "string", "description": "Terminal id from terminal_open"}
		},
		"required": ["pty_id"]
	}`)
}

func (t *TerminalCloseTool) Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p struct {
		PtyID string `json:"pty_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if err := t.manager.Close(tc.SessionID, p.PtyID); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("Closed terminal %s", p.PtyID)}, nil
}

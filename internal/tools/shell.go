package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/config"
)

// TruncatedMarker is appended when shell output exceeds the cap.
const TruncatedMarker = "(truncated)"

// RunShellTool executes a one-shot shell command in the work path.
type RunShellTool struct {
	cfg *config.Store
}

// NewRunShellTool creates the run_shell tool.
func NewRunShellTool(cfg *config.Store) *RunShellTool { return &RunShellTool{cfg: cfg} }

func (t *RunShellTool) Name() string { return "run_shell" }

func (t *RunShellTool) MutatesWorkspace() {}

func (t *RunShellTool) Description() string {
	return "Run a shell command in the workspace and return its output"
}

func (t *RunShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to run"}
		},
		"required": ["command"]
	}`)
}

type runShellParams struct {
	Command string `json:"command"`
}

func (t *RunShellTool) Gate(params json.RawMessage, tc *Context) *Violation {
	var p runShellParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return shellGate(t.cfg.Get(), tc, p.Command)
}

func (t *RunShellTool) Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p runShellParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	cfg := t.cfg.Get()

	timeout := time.Duration(cfg.Shell.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir, err := resolvePath(tc.WorkPath, ".")
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", p.Command)
	cmd.Dir = workDir
	output, err := cmd.CombinedOutput()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return &Result{
				Content: fmt.Sprintf("Command timed out after %s", timeout),
				IsError: true,
			}, nil
		} else {
			return &Result{Content: fmt.Sprintf("Command failed: %v", err), IsError: true}, nil
		}
	}

	text := string(output)
	if cfg.Shell.MaxOutput > 0 && len(text) > cfg.Shell.MaxOutput {
		text = text[:cfg.Shell.MaxOutput] + "\n" + TruncatedMarker
	}
	return &Result{
		Content: fmt.Sprintf("[exit_code=%d]\n%s", exitCode, text),
		IsError: exitCode != 0,
	}, nil
}

// shellGate applies the shell policy table to command: allowlist
// membership of the first token, shell operators in default mode, and
// path escapes. Multiple violations combine into one request.
func shellGate(cfg *config.Config, tc *Context, command string) *Violation {
	if tc.AgentMode == ModeSuper {
		return nil
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}

	var reasons []string
	var allowBasename string

	fields := strings.Fields(command)
	basename := commandBasename(fields[0])

	if !tc.ShellUnrestricted && !inAllowlist(cfg.Shell.Allowlist, basename) {
		reasons = append(reasons, fmt.Sprintf("command %q not in allowlist", basename))
		if tc.AgentMode == ModeDefault {
			allowBasename = basename
		}
	}

	if tc.AgentMode == ModeDefault && strings.ContainsAny(command, "&|><;") {
		reasons = append(reasons, "command contains shell operators")
	}

	if strings.Contains(command, "..") {
		reasons = append(reasons, "command references a parent directory")
	} else {
		for _, token := range fields[1:] {
			if !looksLikePath(token) {
				continue
			}
			abs, err := resolvePath(tc.WorkPath, token)
			if err != nil || !within(tc.WorkPath, abs) {
				reasons = append(reasons, fmt.Sprintf("path %q escapes the work path", token))
				break
			}
		}
	}

	if len(reasons) == 0 {
		return nil
	}
	return &Violation{
		Action:            "shell",
		Target:            command,
		Reason:            strings.Join(reasons, "; "),
		AllowlistBasename: allowBasename,
	}
}

// commandBasename strips directories and an executable suffix from the
// first command token.
func commandBasename(token string) string {
	base := filepath.Base(token)
	base = strings.TrimSuffix(base, ".exe")
	return base
}

func inAllowlist(allowlist []string, basename string) bool {
	for _, entry := range allowlist {
		if strings.EqualFold(entry, basename) {
			return true
		}
	}
	return false
}

// looksLikePath reports whether a command token should be containment
// checked. Flags and bare words are not paths.
func looksLikePath(token string) bool {
	if strings.HasPrefix(token, "-") {
		return false
	}
	return strings.ContainsRune(token, filepath.Separator) ||
		strings.HasPrefix(token, "~") ||
		strings.HasPrefix(token, ".")
}

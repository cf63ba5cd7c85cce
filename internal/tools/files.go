package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/anvil/internal/config"
)

// ReadFileTool reads a file inside the work path.
type ReadFileTool struct {
	cfg *config.Store
}

// NewReadFileTool creates the read_file tool.
func NewReadFileTool(cfg *config.Store) *ReadFileTool { return &ReadFileTool{cfg: cfg} }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace"
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, relative to the workspace"},
			"max_bytes": {"type": "integer", "description": "Optional read cap in bytes"}
		},
		"required": ["path"]
	}`)
}

type readFileParams struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes"`
}

func (t *ReadFileTool) Gate(params json.RawMessage, tc *Context) *Violation {
	var p readFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return pathGate(tc, p.Path, true)
}

func (t *ReadFileTool) Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p readFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	abs, err := resolvePath(tc.WorkPath, p.Path)
	if err != nil {
		return nil, err
	}

	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = t.cfg.Get().Files.MaxBytes
	}

	info, err := os.Stat(abs)
	if err != nil {
		return &Result{Content: fmt.Sprintf("Cannot read %s: %v", p.Path, err), IsError: true}, nil
	}
	if info.IsDir() {
		return &Result{Content: fmt.Sprintf("%s is a directory", p.Path), IsError: true}, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return &Result{Content: fmt.Sprintf("Cannot read %s: %v", p.Path, err), IsError: true}, nil
	}
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
		return &Result{Content: string(data) + fmt.Sprintf("\n(truncated at %d bytes)", maxBytes)}, nil
	}
	return &Result{Content: string(data)}, nil
}

// WriteFileTool writes a file inside the work path, creating parent
// directories as needed.
type WriteFileTool struct{}

// NewWriteFileTool creates the write_file tool.
func NewWriteFileTool() *WriteFileTool { return &WriteFileTool{} }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) MutatesWorkspace() {}

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating it if needed"
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, relative to the workspace"},
			"content": {"type": "string", "description": "Full file content to write"}
		},
		"required": ["path", "content"]
	}`)
}

type writeFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteFileTool) Gate(params json.RawMessage, tc *Context) *Violation {
	var p writeFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return pathGate(tc, p.Path, false)
}

func (t *WriteFileTool) Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p writeFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	abs, err := resolvePath(tc.WorkPath, p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return &Result{Content: fmt.Sprintf("Cannot write %s: %v", p.Path, err), IsError: true}, nil
	}
	if err := os.WriteFile(abs, []byte(p.Content), 0o644); err != nil {
		return &Result{Content: fmt.Sprintf("Cannot write %s: %v", p.Path, err), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("Wrote %d bytes to %s", len(p.Content), p.Path)}, nil
}

// ListDirTool lists a directory inside the work path.
type ListDirTool struct{}

// NewListDirTool creates the list_dir tool.
func NewListDirTool() *ListDirTool { return &ListDirTool{} }

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a directory in the workspace"
}

func (t *ListDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory path, relative to the workspace"}
		}
	}`)
}

type listDirParams struct {
	Path string `json:"path"`
}

func (t *ListDirTool) Gate(params json.RawMessage, tc *Context) *Violation {
	var p listDirParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return pathGate(tc, p.Path, true)
}

func (t *ListDirTool) Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p listDirParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	abs, err := resolvePath(tc.WorkPath, p.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return &Result{Content: fmt.Sprintf("Cannot list %s: %v", p.Path, err), IsError: true}, nil
	}

	var lines []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return &Result{Content: "(empty directory)"}, nil
	}
	return &Result{Content: strings.Join(lines, "\n")}, nil
}

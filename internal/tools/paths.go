package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolvePath resolves p against workPath, yielding an absolute path.
func resolvePath(workPath, p string) (string, error) {
	if p == "" {
		p = "."
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(workPath, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return filepath.Clean(abs), nil
}

// within reports whether abs lies inside workPath.
func within(workPath, abs string) bool {
	root, err := filepath.Abs(workPath)
	if err != nil {
		return false
	}
	root = filepath.Clean(root)
	if abs == root {
		return true
	}
	return strings.HasPrefix(abs, root+string(filepath.Separator))
}

// pathGate checks containment of target under the work path for a file
// tool. readOnly operations are additionally exempt in shell_safe mode.
func pathGate(tc *Context, target string, readOnly bool) *Violation {
	if tc.AgentMode == ModeSuper {
		return nil
	}
	if readOnly && tc.AgentMode == ModeShellSafe {
		return nil
	}
	abs, err := resolvePath(tc.WorkPath, target)
	if err != nil {
		return &Violation{
			Action: gateAction(readOnly),
			Target: target,
			Reason: fmt.Sprintf("path %q could not be resolved", target),
		}
	}
	if tc.WorkPath == "" || !within(tc.WorkPath, abs) {
		return &Violation{
			Action: gateAction(readOnly),
			Target: abs,
			Reason: fmt.Sprintf("path %q is outside the work path", abs),
		}
	}
	return nil
}

func gateAction(readOnly bool) string {
	if readOnly {
		return "read"
	}
	return "write"
}

package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/anvil/internal/model"
)

// Registry holds the available tools. Lookup is case-insensitive.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the prior tool.
func (r *Registry) Register(t Tool) error {
	name := strings.ToLower(strings.TrimSpace(t.Name()))
	if name == "" {
		return fmt.Errorf("tools: empty tool name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	return nil
}

// Resolve finds a tool by case-insensitive name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions exports the registered tools as model tool definitions.
func (r *Registry) Definitions() []model.ToolDefinition {
	list := r.List()
	defs := make([]model.ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/permission"
	"github.com/haasonsaas/anvil/pkg/models"
)

// Canonical permission outcome messages returned as observations.
const (
	DeniedMessage  = "Permission denied."
	TimeoutMessage = "Permission request timed out."
)

// ErrToolNotFound is returned when no registered tool matches the name.
var ErrToolNotFound = errors.New("tools: tool not found")

// Dispatcher validates, gates, and executes tool invocations.
type Dispatcher struct {
	registry *Registry
	broker   *permission.Broker
	cfg      *config.Store
	logger   *slog.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *Registry, broker *permission.Broker, cfg *config.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		broker:   broker,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Registry exposes the dispatcher's tool set.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch resolves name, parses and validates rawInput, runs the policy
// gate, and executes the tool on a worker goroutine. Failures the model
// should observe come back as an error Result; the error return is
// reserved for unknown tools and context cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, name, rawInput string, tc *Context) (*Result, error) {
	tool, ok := d.registry.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if _, mutates := tool.(Mutating); mutates && tc.WorkPath == "" {
		return &Result{
			Content: fmt.Sprintf("Tool %s requires a session work path", tool.Name()),
			IsError: true,
		}, nil
	}

	params, err := ParseArguments(tool, rawInput)
	if err != nil {
		return &Result{Content: "Invalid arguments: " + err.Error(), IsError: true}, nil
	}
	if err := d.validate(tool, params); err != nil {
		return &Result{Content: "Invalid arguments: " + err.Error(), IsError: true}, nil
	}

	if gated, ok := tool.(Gated); ok {
		if v := gated.Gate(params, tc); v != nil {
			blocked, err := d.requestPermission(ctx, tool, v, tc)
			if err != nil {
				return nil, err
			}
			if blocked != nil {
				return blocked, nil
			}
		}
	}

	return d.execute(ctx, tool, tc, params)
}

func (d *Dispatcher) validate(tool Tool, params json.RawMessage) error {
	schema, err := d.schemaFor(tool)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func (d *Dispatcher) schemaFor(tool Tool) (*jsonschema.Schema, error) {
	key := tool.Name()
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.schemas[key]; ok {
		return s, nil
	}
	s, err := compileSchema(key, tool.Schema())
	if err != nil {
		return nil, err
	}
	d.schemas[key] = s
	return s, nil
}

// requestPermission files a request for the violation and waits for a
// decision. A nil Result means approved: the invocation proceeds.
func (d *Dispatcher) requestPermission(ctx context.Context, tool Tool, v *Violation, tc *Context) (*Result, error) {
	req := &models.PermissionRequest{
		SessionID: tc.SessionID,
		ToolName:  tool.Name(),
		Action:    v.Action,
		Target:    v.Target,
		Reason:    v.Reason,
	}
	id, err := d.broker.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("file permission request: %w", err)
	}

	timeout := time.Duration(d.cfg.Get().Shell.PermissionTimeoutSec) * time.Second
	status, err := d.broker.Await(ctx, id, timeout)
	if err != nil {
		return nil, err
	}

	switch status {
	case models.PermissionApproved:
		if v.AllowlistBasename != "" {
			if err := d.cfg.AppendShellAllowlist(v.AllowlistBasename); err != nil {
				d.logger.Warn("allowlist update failed",
					"basename", v.AllowlistBasename, "error", err)
			} else {
				d.logger.Info("allowlist extended", "basename", v.AllowlistBasename)
			}
		}
		return nil, nil
	case models.PermissionDenied:
		return &Result{Content: DeniedMessage, IsError: true}, nil
	default:
		return &Result{Content: TimeoutMessage, IsError: true}, nil
	}
}

// execute runs the tool body on a worker goroutine so the streaming path
// never blocks on tool I/O.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, tc *Context, params json.RawMessage) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := tool.Execute(ctx, tc, params)
		ch <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.err != nil {
			return &Result{Content: "Error: " + out.err.Error(), IsError: true}, nil
		}
		if out.res == nil {
			return &Result{}, nil
		}
		return out.res, nil
	}
}

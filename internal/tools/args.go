package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParseArguments parses raw model output into a JSON parameter object.
// Parsing is lenient: a bare string (or any non-object JSON) is treated as
// the value of the tool's sole required scalar parameter.
func ParseArguments(tool Tool, raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`), nil
	}

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		if _, ok := v.(map[string]any); ok {
			return json.RawMessage(trimmed), nil
		}
	}

	field := soleScalarField(tool.Schema())
	if field == "" {
		return nil, fmt.Errorf("tool %s: arguments must be a JSON object", tool.Name())
	}
	b, err := json.Marshal(map[string]string{field: trimmed})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// soleScalarField returns the parameter a bare-string input maps to: the
// first required property, or the only property when none are required.
func soleScalarField(schema json.RawMessage) string {
	var s struct {
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return ""
	}
	if len(s.Required) > 0 {
		return s.Required[0]
	}
	if len(s.Properties) == 1 {
		for name := range s.Properties {
			return name
		}
	}
	return ""
}

// compileSchema compiles a tool's parameter schema for validation.
func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", name, err)
	}
	return compiled, nil
}

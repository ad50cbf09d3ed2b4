// Package tools defines the tools available to the agent: declared
// parameter schemas, argument validation, and dispatch with a per-tool
// timeout.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Tool represents a callable tool. Parameters is a JSON Schema object
// declaring the accepted arguments; Execute validates arguments against
// it before the handler runs. Mutating tools may carry a Verify
// function that re-reads the written target and reports whether the
// write took effect.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Mutating    bool
	Handler     func(ctx context.Context, args map[string]any) (string, error)
	Verify      func(ctx context.Context, args map[string]any) error
}

// Registry holds available tools.
type Registry struct {
	tools   map[string]*Tool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry. timeout bounds each tool
// execution; zero disables the bound.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in the function-declaration format the
// provider adapters accept, in name order.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name. Arguments are decoded from JSON and
// validated against the tool's declared schema; a validation failure
// returns a *ValidationError without invoking the handler. Handler
// failures return a *ExecutionError. Execution is bounded by the
// registry timeout.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ValidationError{Tool: name, Reason: "unknown tool"}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", &ValidationError{Tool: name, Reason: fmt.Sprintf("arguments are not valid JSON: %v", err)}
		}
	}

	if err := ValidateArgs(tool, args); err != nil {
		return "", err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "duration", time.Since(start), "error", err)
		return "", &ExecutionError{Tool: name, Err: err}
	}
	r.logger.Debug("tool executed", "tool", name, "duration", time.Since(start))
	return result, nil
}

// ValidateArgs checks decoded arguments against the tool's declared
// JSON Schema: required properties must be present and every supplied
// property must match its declared type. Unknown properties are
// rejected.
func ValidateArgs(tool *Tool, args map[string]any) error {
	props, _ := tool.Parameters["properties"].(map[string]any)

	if required, ok := tool.Parameters["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return &ValidationError{Tool: tool.Name, Field: name, Reason: "required argument missing"}
			}
		}
	} else if required, ok := tool.Parameters["required"].([]any); ok {
		for _, nameAny := range required {
			name, _ := nameAny.(string)
			if _, present := args[name]; !present {
				return &ValidationError{Tool: tool.Name, Field: name, Reason: "required argument missing"}
			}
		}
	}

	for name, value := range args {
		spec, ok := props[name].(map[string]any)
		if !ok {
			return &ValidationError{Tool: tool.Name, Field: name, Reason: "unknown argument"}
		}
		declared, _ := spec["type"].(string)
		if declared == "" {
			continue
		}
		if !typeMatches(declared, value) {
			return &ValidationError{
				Tool:   tool.Name,
				Field:  name,
				Reason: fmt.Sprintf("expected %s, got %T", declared, value),
			}
		}
	}
	return nil
}

// typeMatches checks a decoded JSON value against a schema type name.
// JSON numbers decode as float64; "integer" additionally requires a
// whole value.
func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}

package tools

import (
	"context"
	"errors"
	"testing"
	"time"
)

func echoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Echo a message",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
				"count":   map[string]any{"type": "integer"},
				"loud":    map[string]any{"type": "boolean"},
				"extras":  map[string]any{"type": "object"},
			},
			"required": []string{"message"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return args["message"].(string), nil
		},
	}
}

func TestValidateArgs(t *testing.T) {
	tool := echoTool()

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
		field   string
	}{
		{"valid minimal", map[string]any{"message": "hi"}, false, ""},
		{"valid full", map[string]any{"message": "hi", "count": float64(3), "loud": true, "extras": map[string]any{"a": 1}}, false, ""},
		{"missing required", map[string]any{"count": float64(1)}, true, "message"},
		{"nil args missing required", nil, true, "message"},
		{"unknown argument", map[string]any{"message": "hi", "bogus": true}, true, "bogus"},
		{"wrong type string", map[string]any{"message": float64(5)}, true, "message"},
		{"integer not whole", map[string]any{"message": "hi", "count": 1.5}, true, "count"},
		{"integer whole ok", map[string]any{"message": "hi", "count": float64(2)}, false, ""},
		{"boolean wrong type", map[string]any{"message": "hi", "loud": "yes"}, true, "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgs(tool, tt.args)
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				if verr.Field != tt.field {
					t.Errorf("expected field %q, got %q", tt.field, verr.Field)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateArgsRequiredAsAnySlice(t *testing.T) {
	// Schemas decoded from JSON carry required as []any.
	tool := &Tool{
		Name: "decoded",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
			"required": []any{"name"},
		},
	}

	if err := ValidateArgs(tool, nil); err == nil {
		t.Error("expected error for missing required argument")
	}
	if err := ValidateArgs(tool, map[string]any{"name": "x"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExecute(t *testing.T) {
	r := NewRegistry(0, nil)
	r.Register(echoTool())

	result, err := r.Execute(context.Background(), "echo", `{"message":"hello"}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "hello" {
		t.Errorf("expected %q, got %q", "hello", result)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(0, nil)

	_, err := r.Execute(context.Background(), "nope", "{}")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Tool != "nope" {
		t.Errorf("expected tool 'nope', got %q", verr.Tool)
	}
}

func TestExecuteBadJSON(t *testing.T) {
	r := NewRegistry(0, nil)
	r.Register(echoTool())

	_, err := r.Execute(context.Background(), "echo", `{"message":`)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestExecuteValidationFailureSkipsHandler(t *testing.T) {
	ran := false
	r := NewRegistry(0, nil)
	r.Register(&Tool{
		Name: "guarded",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"n": map[string]any{"type": "integer"},
			},
			"required": []string{"n"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			ran = true
			return "", nil
		},
	})

	_, err := r.Execute(context.Background(), "guarded", `{"n":"five"}`)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ran {
		t.Error("handler should not run on validation failure")
	}
}

func TestExecuteHandlerError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry(0, nil)
	r.Register(&Tool{
		Name:       "failing",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", boom
		},
	})

	_, err := r.Execute(context.Background(), "failing", "")
	var xerr *ExecutionError
	if !errors.As(err, &xerr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("expected wrapped handler error")
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, nil)
	r.Register(&Tool{
		Name:       "slow",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		},
	})

	_, err := r.Execute(context.Background(), "slow", "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestList(t *testing.T) {
	r := NewRegistry(0, nil)
	r.Register(&Tool{Name: "zeta", Description: "z", Parameters: map[string]any{"type": "object"}})
	r.Register(echoTool())

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(list))
	}

	// Name order.
	first := list[0]["function"].(map[string]any)
	if first["name"] != "echo" {
		t.Errorf("expected echo first, got %v", first["name"])
	}
	if first["description"] != "Echo a message" {
		t.Errorf("unexpected description: %v", first["description"])
	}
	if list[0]["type"] != "function" {
		t.Errorf("expected type function, got %v", list[0]["type"])
	}

	if got := r.Names(); len(got) != 2 || got[0] != "echo" || got[1] != "zeta" {
		t.Errorf("unexpected names: %v", got)
	}
}

package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantName  string // First tool name if wantCount > 0
	}{
		{
			name:      "empty content",
			content:   "",
			wantCount: 0,
		},
		{
			name:      "whitespace only",
			content:   "   \n\t  ",
			wantCount: 0,
		},
		{
			name:      "plain text no JSON",
			content:   "Your meeting notes are in the vault.",
			wantCount: 0,
		},
		{
			name:      "single tool call object",
			content:   `{"name": "note_read", "arguments": {"path": "Inbox/idea.md"}}`,
			wantCount: 1,
			wantName:  "note_read",
		},
		{
			name:      "single tool call with whitespace",
			content:   `  {"name": "note_read", "arguments": {"path": "Inbox/idea.md"}}  `,
			wantCount: 1,
			wantName:  "note_read",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "note_read", "arguments": {"path": "a.md"}}, {"name": "note_list", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "note_read",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "home_control", "arguments": {"domain": "light", "service": "turn_on"}}</tool_call>`,
			wantCount: 1,
			wantName:  "home_control",
		},
		{
			name:      "tagged tool call without closing tag",
			content:   `<tool_call>{"name": "note_read", "arguments": {"path": "a.md"}}`,
			wantCount: 1,
			wantName:  "note_read",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check that for you. <tool_call>{"name": "note_read", "arguments": {"path": "a.md"}}</tool_call>`,
			wantCount: 1,
			wantName:  "note_read",
		},
		{
			name:      "empty arguments",
			content:   `{"name": "note_list", "arguments": {}}`,
			wantCount: 1,
			wantName:  "note_list",
		},
		{
			name:      "nested arguments",
			content:   `{"name": "home_control", "arguments": {"domain": "light", "service": "turn_on", "data": {"brightness": 255}}}`,
			wantCount: 1,
			wantName:  "home_control",
		},
		{
			name:      "malformed JSON",
			content:   `{"name": "note_read", "arguments": {`,
			wantCount: 0,
		},
		{
			name:      "JSON without name field",
			content:   `{"foo": "bar", "arguments": {}}`,
			wantCount: 0,
		},
		{
			name:      "JSON with empty name",
			content:   `{"name": "", "arguments": {}}`,
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content)

			if len(got) != tt.wantCount {
				t.Errorf("parseTextToolCalls() returned %d tools, want %d", len(got), tt.wantCount)
				return
			}

			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("parseTextToolCalls() first tool name = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestParseTextToolCalls_Arguments(t *testing.T) {
	content := `{"name": "home_control", "arguments": {"domain": "light", "service": "turn_on", "entity_id": "light.kitchen"}}`

	calls := parseTextToolCalls(content)
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}

	args := calls[0].Function.Arguments
	if args["domain"] != "light" {
		t.Errorf("domain = %v, want 'light'", args["domain"])
	}
	if args["service"] != "turn_on" {
		t.Errorf("service = %v, want 'turn_on'", args["service"])
	}
	if args["entity_id"] != "light.kitchen" {
		t.Errorf("entity_id = %v, want 'light.kitchen'", args["entity_id"])
	}
}

func TestOllamaStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"qwen3:8b","message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"model":"qwen3:8b","message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"model":"qwen3:8b","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":4,"total_duration":1000000}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)

	var tokens []string
	var gotDone bool
	resp, err := c.ChatStream(context.Background(), "qwen3:8b",
		[]Message{{Role: "user", Content: "hi"}}, nil,
		func(ev StreamEvent) {
			switch ev.Kind {
			case KindToken:
				tokens = append(tokens, ev.Token)
			case KindDone:
				gotDone = true
			}
		})
	if err != nil {
		t.Fatalf("ChatStream error: %v", err)
	}

	if resp.Message.Content != "Hello" {
		t.Errorf("content = %q, want 'Hello'", resp.Message.Content)
	}
	if len(tokens) != 2 {
		t.Errorf("expected 2 token events, got %d", len(tokens))
	}
	if !gotDone {
		t.Error("expected terminal KindDone event")
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 4 {
		t.Errorf("usage = %d/%d, want 12/4", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaStreaming_NativeToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"qwen3:8b","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"note_read","arguments":{"path":"a.md"}}}]},"done":true,"prompt_eval_count":8,"eval_count":6}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)

	var toolEvents []ToolCall
	resp, err := c.ChatStream(context.Background(), "qwen3:8b",
		[]Message{{Role: "user", Content: "read my note"}}, nil,
		func(ev StreamEvent) {
			if ev.Kind == KindToolCall {
				toolEvents = append(toolEvents, *ev.ToolCall)
			}
		})
	if err != nil {
		t.Fatalf("ChatStream error: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].Function.Name != "note_read" {
		t.Errorf("tool = %q, want note_read", resp.Message.ToolCalls[0].Function.Name)
	}
	if len(toolEvents) != 1 {
		t.Errorf("expected 1 KindToolCall event, got %d", len(toolEvents))
	}
}

func TestOllamaToolCallIDs_UniquePerExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"qwen3:8b","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"note_read","arguments":{"path":"a.md"}}},{"function":{"name":"note_read","arguments":{"path":"b.md"}}}]},"done":true,"prompt_eval_count":8,"eval_count":10}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), "qwen3:8b",
		[]Message{{Role: "user", Content: "read both notes"}}, nil)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	calls := resp.Message.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	// Result correlation matches on ID, so empty or duplicate IDs would
	// attach one tool result to both calls.
	for i, tc := range calls {
		if tc.ID == "" {
			t.Errorf("call %d has empty ID", i)
		}
	}
	if calls[0].ID == calls[1].ID {
		t.Errorf("duplicate tool call IDs: %q", calls[0].ID)
	}
}

func TestParseTextToolCalls_IDsAssigned(t *testing.T) {
	calls := parseTextToolCalls(`[{"name": "note_read", "arguments": {"path": "a.md"}}, {"name": "note_list", "arguments": {}}]`)
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[0].ID == "" || calls[1].ID == "" {
		t.Errorf("parsed calls missing IDs: %q, %q", calls[0].ID, calls[1].ID)
	}
	if calls[0].ID == calls[1].ID {
		t.Errorf("duplicate tool call IDs: %q", calls[0].ID)
	}
}

func TestOllamaNonStreaming_TextToolCallFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"qwen3:8b","message":{"role":"assistant","content":"{\"name\": \"note_list\", \"arguments\": {}}"},"done":true}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), "qwen3:8b",
		[]Message{{Role: "user", Content: "list notes"}}, nil)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected text tool call parsed, got %d calls", len(resp.Message.ToolCalls))
	}
	if resp.Message.Content != "" {
		t.Errorf("content should be cleared when it was a tool call, got %q", resp.Message.Content)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "model load failed")
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	_, err := c.Chat(context.Background(), "qwen3:8b",
		[]Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("500 should classify as transient, got %v", err)
	}
}

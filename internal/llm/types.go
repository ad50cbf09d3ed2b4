// Package llm provides LLM provider clients behind a single interface.
// Wire-format conversion happens at provider boundaries (anthropic.go,
// openai.go, ollama.go); nothing outside this package sees provider shapes.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string `json:"id,omitempty"` // Provider-assigned ID (required for tool_result correlation)
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// NewToolCall builds a ToolCall. Mostly a convenience for the anonymous
// Function struct literal.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	var tc ToolCall
	tc.ID = id
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

// ChatResponse is the unified response from any LLM provider.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
// On success the last event is always KindDone carrying the final
// response; on failure the last event is KindError.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCall events. Adapters buffer
	// fragmented argument JSON and only emit complete calls.
	ToolCall *ToolCall

	// Response is set for KindDone events (final summary with usage).
	Response *ChatResponse

	// Err is set for KindError events.
	Err *ProviderError
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCall fires when a complete tool call has been assembled.
	KindToolCall

	// KindDone signals the stream completed. Response carries final metadata.
	KindDone

	// KindError signals the stream failed. Err carries the failure class.
	KindError
)

// StreamCallback receives streaming events in generation order.
type StreamCallback func(event StreamEvent)

// emitDone sends the terminal KindDone event if a callback is present.
func emitDone(callback StreamCallback, resp *ChatResponse) {
	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: resp})
	}
}

// emitError sends the terminal KindError event if a callback is present.
func emitError(callback StreamCallback, perr *ProviderError) {
	if callback != nil {
		callback(StreamEvent{Kind: KindError, Err: perr})
	}
}

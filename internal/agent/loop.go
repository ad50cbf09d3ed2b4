// Package agent runs the tool-call loop: model responses are checked
// against the conversation's tool-use requirement, tool calls are
// validated and executed, and results feed back to the model until it
// produces a final answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wrenware/orla/internal/config"
	"github.com/wrenware/orla/internal/llm"
	"github.com/wrenware/orla/internal/tools"
)

// LoopState is the terminal state of a loop run.
type LoopState int

const (
	// StateDone means the model produced a final answer.
	StateDone LoopState = iota
	// StateFailed means enforcement retries were exhausted under hard
	// enforcement, or the provider failed terminally.
	StateFailed
)

func (s LoopState) String() string {
	switch s {
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("LoopState(%d)", int(s))
	}
}

// ErrToolRequired is returned when the conversation requires a tool
// call, the model kept answering in plain text, and enforcement is hard.
var ErrToolRequired = errors.New("model did not call a required tool")

// toolReminder is injected as a system message when the model answers
// in text despite a tool-use requirement.
const toolReminder = "Reminder: this request requires you to act through one of the available tools. Do not describe the action in text; call the appropriate tool."

// LoopConfig carries the loop's behavioral settings, taken from
// config.AgentConfig at construction.
type LoopConfig struct {
	Enforcement        config.EnforcementMode
	EnforcementRetries int
	MaxIterations      int
	ProviderRetries    int
	Verify             config.VerifyMode
	VerifyRetries      int
	VerifyRetryDelay   time.Duration
}

// Loop executes the tool-call loop against one provider client and one
// tool registry. Safe for concurrent use; per-run state lives in Run.
type Loop struct {
	client   llm.Client
	registry *tools.Registry
	cfg      LoopConfig
	logger   *slog.Logger
}

// NewLoop creates a loop.
func NewLoop(client llm.Client, registry *tools.Registry, cfg LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 10
	}
	return &Loop{
		client:   client,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
	}
}

// Request is one loop invocation.
type Request struct {
	Model    string
	Messages []llm.Message
	// Tools is the function-declaration list offered to the model.
	// Empty means chat-only.
	Tools []map[string]any
	// RequireTool marks the exchange as requiring at least one tool
	// call before a text answer is accepted. Computed by the caller
	// from the conversation mode and the user's intent.
	RequireTool bool
	// Stream forwards token events to the caller. May be nil.
	Stream llm.StreamCallback
	// OnAssistant is called for each assistant message the model
	// produces, including intermediate tool-calling ones. May be nil.
	OnAssistant func(msg llm.Message)
	// OnToolResult is called with each tool call's result text. May be nil.
	OnToolResult func(toolCallID, content string)
}

// Result summarizes a loop run.
type Result struct {
	State         LoopState
	Content       string
	Iterations    int
	ToolCalls     int
	ToolFailures  int
	InputTokens   int
	OutputTokens  int
}

// Run drives the loop to a terminal state. The returned Result is
// non-nil even on error so callers can account for tokens consumed by
// partial runs.
func (l *Loop) Run(ctx context.Context, req *Request) (*Result, error) {
	messages := make([]llm.Message, len(req.Messages))
	copy(messages, req.Messages)

	result := &Result{}
	toolCalled := false
	enforcementRetries := 0
	lastText := ""

	for result.Iterations < l.cfg.MaxIterations {
		result.Iterations++

		resp, err := llm.ChatWithRetry(ctx, l.client, req.Model, messages, req.Tools,
			req.Stream, l.cfg.ProviderRetries, time.Second, l.logger)
		if err != nil {
			result.State = StateFailed
			return result, err
		}
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		if req.OnAssistant != nil {
			req.OnAssistant(resp.Message)
		}
		if resp.Message.Content != "" {
			lastText = resp.Message.Content
		}

		if len(resp.Message.ToolCalls) > 0 {
			toolCalled = true
			messages = append(messages, resp.Message)
			for _, call := range resp.Message.ToolCalls {
				content := l.executeCall(ctx, call, result)
				toolMsg := llm.Message{
					Role:       "tool",
					Content:    content,
					ToolCallID: call.ID,
				}
				messages = append(messages, toolMsg)
				if req.OnToolResult != nil {
					req.OnToolResult(call.ID, content)
				}
			}
			continue
		}

		// Plain text answer.
		if req.RequireTool && !toolCalled {
			if enforcementRetries < l.cfg.EnforcementRetries {
				enforcementRetries++
				l.logger.Debug("tool required, retrying with reminder",
					"attempt", enforcementRetries, "model", req.Model)
				messages = append(messages, resp.Message)
				messages = append(messages, llm.Message{Role: "system", Content: toolReminder})
				continue
			}
			if l.cfg.Enforcement == config.EnforceHard {
				result.State = StateFailed
				result.Content = resp.Message.Content
				return result, ErrToolRequired
			}
			l.logger.Warn("tool required but not called, accepting text answer",
				"model", req.Model, "retries", enforcementRetries)
		}

		result.State = StateDone
		result.Content = resp.Message.Content
		return result, nil
	}

	// Iteration cap reached: settle for the last text we saw, even if
	// it accompanied a tool call.
	l.logger.Warn("iteration cap reached", "iterations", result.Iterations, "model", req.Model)
	result.State = StateDone
	result.Content = lastText
	return result, nil
}

// executeCall validates and runs one tool call, returning the text to
// feed back as the tool result. Failures never abort the loop; they
// come back as readable error results so the model can recover.
func (l *Loop) executeCall(ctx context.Context, call llm.ToolCall, result *Result) string {
	result.ToolCalls++
	name := call.Function.Name

	argsJSON, err := json.Marshal(call.Function.Arguments)
	if err != nil {
		result.ToolFailures++
		return fmt.Sprintf("Error: tool arguments could not be encoded: %v", err)
	}

	output, err := l.registry.Execute(ctx, name, string(argsJSON))
	if err != nil {
		result.ToolFailures++
		var verr *tools.ValidationError
		if errors.As(err, &verr) {
			return fmt.Sprintf("Error: invalid arguments: %v", verr)
		}
		return fmt.Sprintf("Error: %v", err)
	}

	if err := l.verifyWrite(ctx, name, call.Function.Arguments); err != nil {
		result.ToolFailures++
		return fmt.Sprintf("Error: %s succeeded but verification failed: %v", name, err)
	}

	return output
}

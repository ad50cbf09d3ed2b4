package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wrenware/orla/internal/budget"
	"github.com/wrenware/orla/internal/llm"
	"github.com/wrenware/orla/internal/memory"
	"github.com/wrenware/orla/internal/tools"
	"github.com/wrenware/orla/internal/usage"
)

// Agent ties the loop to persistence and budgeting: it assembles
// context for a conversation, admits the call against the budget,
// runs the loop, persists the exchange, and charges actual usage.
type Agent struct {
	loop          *Loop
	builder       *ContextBuilder
	conversations *memory.Store
	budget        *budget.Tracker
	registry      *tools.Registry

	defaultModel   string
	defaultCeiling float64
	// providerOf maps a model to its provider name for usage records.
	// May be nil.
	providerOf func(model string) string
	logger     *slog.Logger
}

// Options configures an Agent.
type Options struct {
	DefaultModel   string
	DefaultCeiling float64
	ProviderOf     func(model string) string
}

// New creates an Agent.
func New(loop *Loop, builder *ContextBuilder, conversations *memory.Store, tracker *budget.Tracker, registry *tools.Registry, opts Options, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		loop:           loop,
		builder:        builder,
		conversations:  conversations,
		budget:         tracker,
		registry:       registry,
		defaultModel:   opts.DefaultModel,
		defaultCeiling: opts.DefaultCeiling,
		providerOf:     opts.ProviderOf,
		logger:         logger.With("component", "agent"),
	}
}

// AskOptions shapes one exchange.
type AskOptions struct {
	// ConversationID continues an existing conversation; empty starts a
	// new one.
	ConversationID string
	// Model overrides the conversation's model for this exchange.
	Model string
	// Mode applies when a new conversation is created.
	Mode string
	// RequireTool marks the exchange as requiring a tool call.
	RequireTool bool
	// Role and TaskName are recorded on the usage record
	// ("interactive" by default).
	Role     string
	TaskName string
	// Stream forwards token events. May be nil.
	Stream llm.StreamCallback
}

// Reply is the outcome of one exchange.
type Reply struct {
	ConversationID string
	Content        string
	State          LoopState
	Model          string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	Iterations     int
	ToolCalls      int
}

// Ask runs one user exchange to completion. Consumed tokens are
// charged even when the loop ends in failure.
func (a *Agent) Ask(ctx context.Context, text string, opts AskOptions) (*Reply, error) {
	conv, err := a.conversation(ctx, opts)
	if err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = conv.Model
	}
	if model == "" {
		model = a.defaultModel
	}

	history, err := a.conversations.LLMMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	messages, err := a.builder.Build(ctx, conv, history, text)
	if err != nil {
		return nil, err
	}

	if err := a.budget.Check(ctx, conv.ID, model, estimateMessages(messages)); err != nil {
		return nil, err
	}

	if _, err := a.conversations.AppendMessage(ctx, conv.ID, llm.Message{Role: "user", Content: text}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	var toolDefs []map[string]any
	if conv.Mode != memory.ModeChat {
		toolDefs = a.registry.List()
	}

	req := &Request{
		Model:       model,
		Messages:    messages,
		Tools:       toolDefs,
		RequireTool: opts.RequireTool && conv.Mode != memory.ModeChat,
		Stream:      opts.Stream,
		OnAssistant: func(msg llm.Message) {
			if _, err := a.conversations.AppendMessage(ctx, conv.ID, msg); err != nil {
				a.logger.Error("persist assistant message failed", "conversation_id", conv.ID, "error", err)
				return
			}
			// Pending tool results are placeholders until execution fills them.
			for _, call := range msg.ToolCalls {
				pending := llm.Message{Role: "tool", ToolCallID: call.ID}
				if _, err := a.conversations.AppendMessage(ctx, conv.ID, pending); err != nil {
					a.logger.Error("persist tool placeholder failed", "conversation_id", conv.ID, "error", err)
				}
			}
		},
		OnToolResult: func(toolCallID, content string) {
			if err := a.conversations.FillToolResult(ctx, conv.ID, toolCallID, content); err != nil {
				a.logger.Error("fill tool result failed",
					"conversation_id", conv.ID, "tool_call_id", toolCallID, "error", err)
			}
		},
	}

	result, runErr := a.loop.Run(ctx, req)

	reply := &Reply{
		ConversationID: conv.ID,
		Model:          model,
	}
	if result != nil {
		reply.Content = result.Content
		reply.State = result.State
		reply.InputTokens = result.InputTokens
		reply.OutputTokens = result.OutputTokens
		reply.Iterations = result.Iterations
		reply.ToolCalls = result.ToolCalls

		if result.InputTokens > 0 || result.OutputTokens > 0 {
			cost, err := a.charge(ctx, conv.ID, model, result, opts)
			if err != nil {
				a.logger.Error("charge failed", "conversation_id", conv.ID, "error", err)
			}
			reply.CostUSD = cost
		}
	}
	if runErr != nil {
		return reply, runErr
	}
	return reply, nil
}

func (a *Agent) conversation(ctx context.Context, opts AskOptions) (memory.Conversation, error) {
	if opts.ConversationID != "" {
		conv, err := a.conversations.GetConversation(ctx, opts.ConversationID)
		if err != nil {
			return memory.Conversation{}, err
		}
		return conv, nil
	}

	model := opts.Model
	if model == "" {
		model = a.defaultModel
	}
	conv, err := a.conversations.CreateConversation(ctx, memory.Conversation{
		Model:      model,
		Mode:       opts.Mode,
		CeilingUSD: a.defaultCeiling,
	})
	if err != nil {
		return memory.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	a.logger.Info("conversation created", "conversation_id", conv.ID, "model", model, "mode", conv.Mode)
	return conv, nil
}

func (a *Agent) charge(ctx context.Context, conversationID, model string, result *Result, opts AskOptions) (float64, error) {
	role := opts.Role
	if role == "" {
		role = "interactive"
	}
	provider := ""
	if a.providerOf != nil {
		provider = a.providerOf(model)
	}
	return a.budget.Charge(ctx, conversationID, usage.Record{
		RequestID:    uuid.NewString(),
		Model:        model,
		Provider:     provider,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Role:         role,
		TaskName:     opts.TaskName,
	})
}

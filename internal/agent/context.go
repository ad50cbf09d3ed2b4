package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/wrenware/orla/internal/llm"
	"github.com/wrenware/orla/internal/memory"
	"github.com/wrenware/orla/internal/rag"
)

// System preambles by conversation mode.
const (
	agenticPreamble = "You are Orla, a personal assistant. You can act on the user's behalf through the available tools: managing notes, scheduling reminders, controlling the home, and researching online. Prefer acting through tools over describing actions. Cite retrieved context using its [source] markers when you rely on it. Be concise."

	chatPreamble = "You are Orla, a personal assistant. Answer from the conversation and any retrieved context below; cite retrieved context using its [source] markers when you rely on it. You have no tools in this conversation. Be concise."
)

// EstimateTokens over-counts tokens as ceil(runes/3). Real tokenizers
// average closer to 4 characters per token, so an assembled context
// that fits this estimate fits the provider limit.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 2) / 3
}

func estimateMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Function.Name) + 8
		}
	}
	return total
}

// ContextBuilder assembles the per-call prompt: system preamble,
// retrieved vault context, and trimmed conversation history.
type ContextBuilder struct {
	engine          *rag.Engine // nil disables retrieval
	collection      string
	keepRecentTurns int
	contextTokens   int
}

// NewContextBuilder creates a builder. engine may be nil when
// retrieval is not configured.
func NewContextBuilder(engine *rag.Engine, collection string, keepRecentTurns, contextTokens int) *ContextBuilder {
	if keepRecentTurns < 1 {
		keepRecentTurns = 1
	}
	return &ContextBuilder{
		engine:          engine,
		collection:      collection,
		keepRecentTurns: keepRecentTurns,
		contextTokens:   contextTokens,
	}
}

// Build assembles the message list for one model call: preamble and
// retrieved context first, then history trimmed to the token budget,
// then the new user message.
func (b *ContextBuilder) Build(ctx context.Context, conv memory.Conversation, history []llm.Message, userText string) ([]llm.Message, error) {
	preamble := agenticPreamble
	if conv.Mode == memory.ModeChat {
		preamble = chatPreamble
	}

	var system strings.Builder
	system.WriteString(preamble)

	if b.engine != nil && userText != "" {
		results, err := b.engine.Query(ctx, b.collection, userText, 0)
		if err != nil {
			return nil, fmt.Errorf("retrieve context: %w", err)
		}
		if len(results) > 0 {
			system.WriteString("\n\nRetrieved context:\n")
			system.WriteString(FormatResults(results))
		}
	}

	userMsg := llm.Message{Role: "user", Content: userText}
	fixed := EstimateTokens(system.String()) + EstimateTokens(userText)
	trimmed := b.trimHistory(history, b.contextTokens-fixed)

	messages := make([]llm.Message, 0, len(trimmed)+2)
	messages = append(messages, llm.Message{Role: "system", Content: system.String()})
	messages = append(messages, trimmed...)
	messages = append(messages, userMsg)
	return messages, nil
}

// FormatResults renders retrieved chunks with citation markers the
// model can echo back.
func FormatResults(results []rag.Result) string {
	var sb strings.Builder
	for _, r := range results {
		fmt.Fprintf(&sb, "[%s §%d]\n%s\n\n", r.Source, r.Ord, r.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// trimHistory drops the oldest turns until the history fits budget.
// The most recent keepRecentTurns turns always survive, even over
// budget. A turn starts at a user message and runs until the next one,
// so tool-call sequences are never split.
func (b *ContextBuilder) trimHistory(history []llm.Message, budget int) []llm.Message {
	if len(history) == 0 {
		return history
	}

	starts := turnStarts(history)
	keepFrom := 0
	if len(starts) > b.keepRecentTurns {
		keepFrom = len(starts) - b.keepRecentTurns
	}

	drop := 0
	for estimateMessages(history[starts[drop]:]) > budget && drop < keepFrom {
		drop++
	}
	return history[starts[drop]:]
}

// turnStarts returns the indexes where conversation turns begin.
func turnStarts(history []llm.Message) []int {
	starts := []int{0}
	for i := 1; i < len(history); i++ {
		if history[i].Role == "user" {
			starts = append(starts, i)
		}
	}
	return starts
}

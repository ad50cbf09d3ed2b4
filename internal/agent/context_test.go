package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wrenware/orla/internal/llm"
	"github.com/wrenware/orla/internal/memory"
	"github.com/wrenware/orla/internal/rag"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"ab", 1},
		{"abc", 1},
		{"abcd", 2},
		{"héllo wörld", 4}, // 11 runes
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

type contextEmbedder struct{}

func (contextEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0}
	}
	return vecs, nil
}

func testEngine(t *testing.T) *rag.Engine {
	t.Helper()
	store, err := rag.NewStore(filepath.Join(t.TempDir(), "rag.db"))
	if err != nil {
		t.Fatalf("rag.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return rag.NewEngine(store, contextEmbedder{}, rag.NewChunker(500, 50), 5, nil)
}

func TestBuild_PreambleByMode(t *testing.T) {
	b := NewContextBuilder(nil, "vault", 4, 8000)
	ctx := context.Background()

	msgs, err := b.Build(ctx, memory.Conversation{Mode: memory.ModeAgentic}, nil, "hello")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "available tools") {
		t.Errorf("expected agentic preamble, got %q", msgs[0].Content)
	}
	if last := msgs[len(msgs)-1]; last.Role != "user" || last.Content != "hello" {
		t.Errorf("expected trailing user message, got %+v", last)
	}

	msgs, err = b.Build(ctx, memory.Conversation{Mode: memory.ModeChat}, nil, "hello")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(msgs[0].Content, "no tools in this conversation") {
		t.Errorf("expected chat preamble, got %q", msgs[0].Content)
	}
}

func TestBuild_RetrievedContextWithCitations(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()
	if _, err := engine.Ingest(ctx, "vault", "garden.md", "tomatoes want full sun"); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	b := NewContextBuilder(engine, "vault", 4, 8000)
	msgs, err := b.Build(ctx, memory.Conversation{Mode: memory.ModeAgentic}, nil, "how much sun for tomatoes?")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	system := msgs[0].Content
	if !strings.Contains(system, "[garden.md §0]") {
		t.Errorf("expected citation marker, got %q", system)
	}
	if !strings.Contains(system, "tomatoes want full sun") {
		t.Errorf("expected chunk text, got %q", system)
	}
}

func TestBuild_EmptyCollectionOmitsContext(t *testing.T) {
	b := NewContextBuilder(testEngine(t), "vault", 4, 8000)
	msgs, err := b.Build(context.Background(), memory.Conversation{}, nil, "anything")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if strings.Contains(msgs[0].Content, "Retrieved context") {
		t.Errorf("expected no context section, got %q", msgs[0].Content)
	}
}

func TestTrimHistory_DropsOldestTurnsFirst(t *testing.T) {
	b := NewContextBuilder(nil, "vault", 2, 0)

	var history []llm.Message
	for i := range 6 {
		history = append(history,
			llm.Message{Role: "user", Content: fmt.Sprintf("question %d %s", i, strings.Repeat("x", 300))},
			llm.Message{Role: "assistant", Content: fmt.Sprintf("answer %d", i)},
		)
	}

	// Budget of zero forces trimming down to the protected recent turns.
	got := b.trimHistory(history, 0)
	if len(got) != 4 {
		t.Fatalf("expected 4 messages (2 turns), got %d", len(got))
	}
	if !strings.HasPrefix(got[0].Content, "question 4") {
		t.Errorf("expected history to start at question 4, got %q", got[0].Content)
	}
}

func TestTrimHistory_KeepsAllWithinBudget(t *testing.T) {
	b := NewContextBuilder(nil, "vault", 2, 0)
	history := []llm.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "how are you"},
		{Role: "assistant", Content: "fine"},
	}

	got := b.trimHistory(history, 100000)
	if len(got) != 4 {
		t.Errorf("expected full history, got %d messages", len(got))
	}
}

func TestTrimHistory_KeepsToolSequencesIntact(t *testing.T) {
	b := NewContextBuilder(nil, "vault", 1, 0)
	history := []llm.Message{
		{Role: "user", Content: strings.Repeat("a", 3000)},
		{Role: "assistant", Content: "old answer"},
		{Role: "user", Content: "do the thing"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{llm.NewToolCall("c1", "echo", nil)}},
		{Role: "tool", Content: "result", ToolCallID: "c1"},
		{Role: "assistant", Content: "did it"},
	}

	got := b.trimHistory(history, 10)
	if len(got) != 4 {
		t.Fatalf("expected the last turn's 4 messages, got %d", len(got))
	}
	if got[0].Content != "do the thing" {
		t.Errorf("turn should start at the user message, got %+v", got[0])
	}
}

func TestFormatResults(t *testing.T) {
	got := FormatResults([]rag.Result{
		{Source: "a.md", Ord: 0, Text: "alpha"},
		{Source: "b.md", Ord: 2, Text: "beta"},
	})
	if !strings.Contains(got, "[a.md §0]\nalpha") || !strings.Contains(got, "[b.md §2]\nbeta") {
		t.Errorf("unexpected formatting: %q", got)
	}
}

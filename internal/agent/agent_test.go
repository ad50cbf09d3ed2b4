package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/wrenware/orla/internal/budget"
	"github.com/wrenware/orla/internal/config"
	"github.com/wrenware/orla/internal/llm"
	"github.com/wrenware/orla/internal/memory"
	"github.com/wrenware/orla/internal/usage"
)

// $500 per million tokens each way, so every metered call projects
// well above a $0.05 ceiling with the 100-token output assumption.
var testPricing = map[string]config.PricingEntry{
	"metered": {InputPerMillion: 500, OutputPerMillion: 500},
}

type agentFixture struct {
	agent  *Agent
	convs  *memory.Store
	usage  *usage.Store
	client *scriptedClient
}

func newAgentFixture(t *testing.T, client *scriptedClient, ceiling float64) *agentFixture {
	t.Helper()
	dir := t.TempDir()

	convs, err := memory.NewStore(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("memory.NewStore: %v", err)
	}
	t.Cleanup(func() { convs.Close() })

	usageStore, err := usage.NewStore(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}
	t.Cleanup(func() { usageStore.Close() })

	tracker := budget.NewTracker(convs, usageStore, testPricing, 100, nil)
	loop := NewLoop(client, echoRegistry(t), testLoopConfig(), nil)
	builder := NewContextBuilder(nil, "vault", 4, 8000)

	a := New(loop, builder, convs, tracker, echoRegistry(t), Options{
		DefaultModel:   "metered",
		DefaultCeiling: ceiling,
		ProviderOf:     func(model string) string { return "test" },
	}, nil)

	return &agentFixture{agent: a, convs: convs, usage: usageStore, client: client}
}

func TestAsk_PersistsExchange(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("hi!")}}
	f := newAgentFixture(t, client, 0)
	ctx := context.Background()

	reply, err := f.agent.Ask(ctx, "hello", AskOptions{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply.Content != "hi!" || reply.State != StateDone {
		t.Errorf("unexpected reply: %+v", reply)
	}
	if reply.ConversationID == "" {
		t.Fatal("expected a conversation ID")
	}

	msgs, err := f.convs.Messages(ctx, reply.ConversationID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "hi!" {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
}

func TestAsk_ContinuesConversation(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		textResponse("first"),
		textResponse("second"),
	}}
	f := newAgentFixture(t, client, 0)
	ctx := context.Background()

	reply, err := f.agent.Ask(ctx, "one", AskOptions{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if _, err := f.agent.Ask(ctx, "two", AskOptions{ConversationID: reply.ConversationID}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	// The second call's request includes the first exchange.
	second := f.client.requests[1]
	var sawFirst bool
	for _, m := range second {
		if m.Role == "assistant" && m.Content == "first" {
			sawFirst = true
		}
	}
	if !sawFirst {
		t.Error("expected prior exchange in the second request")
	}

	msgs, _ := f.convs.Messages(ctx, reply.ConversationID)
	if len(msgs) != 4 {
		t.Errorf("expected 4 stored messages, got %d", len(msgs))
	}
}

func TestAsk_UnknownConversation(t *testing.T) {
	f := newAgentFixture(t, &scriptedClient{}, 0)

	_, err := f.agent.Ask(context.Background(), "hi", AskOptions{ConversationID: "nope"})
	if !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAsk_ToolResultsPersisted(t *testing.T) {
	call := llm.NewToolCall("call_1", "echo", map[string]any{"message": "ping"})
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolResponse(call),
		textResponse("all done"),
	}}
	f := newAgentFixture(t, client, 0)
	ctx := context.Background()

	reply, err := f.agent.Ask(ctx, "use the tool", AskOptions{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	msgs, err := f.convs.Messages(ctx, reply.ConversationID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	// user, assistant (tool call), tool result, assistant answer.
	if len(msgs) != 4 {
		t.Fatalf("expected 4 stored messages, got %d", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("expected stored tool call, got %+v", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].Content != "echo: ping" || msgs[2].ToolCallID != "call_1" {
		t.Errorf("expected filled tool result, got %+v", msgs[2])
	}
}

func TestAsk_BudgetRefusalPersistsNothing(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("never sent")}}
	// Ceiling below the $0.10 projection of any metered call.
	f := newAgentFixture(t, client, 0.05)
	ctx := context.Background()

	conv, err := f.convs.CreateConversation(ctx, memory.Conversation{Model: "metered", CeilingUSD: 0.05})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	_, err = f.agent.Ask(ctx, "hello", AskOptions{ConversationID: conv.ID})
	if !errors.Is(err, budget.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if len(f.client.requests) != 0 {
		t.Error("refused call must not reach the provider")
	}

	msgs, _ := f.convs.Messages(ctx, conv.ID)
	if len(msgs) != 0 {
		t.Errorf("refusal should persist nothing, got %d messages", len(msgs))
	}
	spend, _ := f.usage.ConversationSpend(ctx, conv.ID)
	if spend != 0 {
		t.Errorf("refusal should record no usage, got %f", spend)
	}
}

func TestAsk_ChargesActualUsage(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("hi")}}
	f := newAgentFixture(t, client, 1.00)
	ctx := context.Background()

	reply, err := f.agent.Ask(ctx, "hello", AskOptions{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	// 100 input + 20 output tokens at $500/M each.
	want := 0.06
	if diff := reply.CostUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %v, want %v", reply.CostUSD, want)
	}

	conv, err := f.convs.GetConversation(ctx, reply.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if diff := conv.SpentUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("spent = %v, want %v", conv.SpentUSD, want)
	}

	recs, err := f.usage.ConversationRecords(ctx, reply.ConversationID)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected 1 usage record, got %d (err %v)", len(recs), err)
	}
	if recs[0].Role != "interactive" || recs[0].Provider != "test" {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestAsk_ChatModeOffersNoTools(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("chat answer")}}
	f := newAgentFixture(t, client, 0)
	ctx := context.Background()

	conv, err := f.convs.CreateConversation(ctx, memory.Conversation{Model: "metered", Mode: memory.ModeChat})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if _, err := f.agent.Ask(ctx, "hello", AskOptions{ConversationID: conv.ID, RequireTool: true}); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(f.client.toolDefs) != 1 || f.client.toolDefs[0] != nil {
		t.Errorf("chat mode must not offer tools, got %v", f.client.toolDefs)
	}
}

package budget

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/wrenware/orla/internal/config"
	"github.com/wrenware/orla/internal/memory"
	"github.com/wrenware/orla/internal/usage"
)

// testPricing prices the model at $10 per million tokens each way, so
// 5,000 input + 5,000 max output tokens project to exactly $0.10.
func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"metered-model": {InputPerMillion: 10.0, OutputPerMillion: 10.0},
	}
}

func testTracker(t *testing.T) (*Tracker, *memory.Store, *usage.Store) {
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

	return NewTracker(convs, usageStore, testPricing(), 5000, nil), convs, usageStore
}

func newConversation(t *testing.T, convs *memory.Store, ceiling, spent float64) memory.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := convs.CreateConversation(ctx, memory.Conversation{
		Model:      "metered-model",
		CeilingUSD: ceiling,
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if spent > 0 {
		if _, err := convs.AddSpent(ctx, conv.ID, spent); err != nil {
			t.Fatalf("AddSpent: %v", err)
		}
	}
	return conv
}

func TestCheck_RefusesWhenProjectedExceedsRemaining(t *testing.T) {
	tr, convs, _ := testTracker(t)
	ctx := context.Background()

	// Ceiling $1.00, spent $0.95, projected $0.10: refused, spent
	// unchanged.
	conv := newConversation(t, convs, 1.00, 0.95)

	err := tr.Check(ctx, conv.ID, "metered-model", 5000)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	got, err := convs.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := got.SpentUSD - 0.95; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("refusal must not change spent: %f", got.SpentUSD)
	}
}

func TestCheck_RefusalRecordsNothing(t *testing.T) {
	tr, convs, usageStore := testTracker(t)
	ctx := context.Background()

	conv := newConversation(t, convs, 1.00, 0.95)
	if err := tr.Check(ctx, conv.ID, "metered-model", 5000); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected refusal, got %v", err)
	}

	recs, err := usageStore.ConversationRecords(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("refusal appended %d usage records, want 0", len(recs))
	}
}

func TestCheck_AdmitsWhenProjectedFits(t *testing.T) {
	tr, convs, _ := testTracker(t)
	conv := newConversation(t, convs, 1.00, 0.85)

	// Projected $0.10 fits in the remaining $0.15.
	if err := tr.Check(context.Background(), conv.ID, "metered-model", 5000); err != nil {
		t.Errorf("expected admission, got %v", err)
	}
}

func TestCheck_SpentAtCeilingRefusesEvenFreeModels(t *testing.T) {
	tr, convs, _ := testTracker(t)
	conv := newConversation(t, convs, 1.00, 1.00)

	// "local-model" is absent from the price table and projects free,
	// but an exhausted conversation admits nothing.
	err := tr.Check(context.Background(), conv.ID, "local-model", 5000)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected ErrBudgetExceeded at ceiling, got %v", err)
	}
}

func TestCheck_ZeroCeilingIsUnmetered(t *testing.T) {
	tr, convs, _ := testTracker(t)
	conv := newConversation(t, convs, 0, 0)

	if err := tr.Check(context.Background(), conv.ID, "metered-model", 1_000_000); err != nil {
		t.Errorf("zero ceiling must admit everything, got %v", err)
	}
}

func TestCheck_UnknownConversation(t *testing.T) {
	tr, _, _ := testTracker(t)

	err := tr.Check(context.Background(), "missing", "metered-model", 100)
	if err == nil {
		t.Error("expected error for unknown conversation")
	}
	if errors.Is(err, ErrBudgetExceeded) {
		t.Error("missing conversation is not a budget refusal")
	}
}

func TestCharge_UpdatesSpentAndRecordsUsage(t *testing.T) {
	tr, convs, usageStore := testTracker(t)
	ctx := context.Background()
	conv := newConversation(t, convs, 1.00, 0)

	cost, err := tr.Charge(ctx, conv.ID, usage.Record{
		RequestID:    "r_001",
		Model:        "metered-model",
		Provider:     "anthropic",
		InputTokens:  3000,
		OutputTokens: 2000,
		Role:         "interactive",
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	// 3000/1M*10 + 2000/1M*10 = 0.05
	if diff := cost - 0.05; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %f, want 0.05", cost)
	}

	got, err := convs.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := got.SpentUSD - 0.05; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("spent = %f, want 0.05", got.SpentUSD)
	}

	recs, err := usageStore.ConversationRecords(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d usage records, want 1", len(recs))
	}
	if recs[0].CostUSD != cost {
		t.Errorf("record cost = %f, want %f", recs[0].CostUSD, cost)
	}
	if recs[0].ConversationID != conv.ID {
		t.Errorf("record conversation = %q", recs[0].ConversationID)
	}
}

func TestCharge_ConcurrentSameConversation(t *testing.T) {
	tr, convs, _ := testTracker(t)
	ctx := context.Background()
	conv := newConversation(t, convs, 0, 0)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Charge(ctx, conv.ID, usage.Record{
				RequestID:    "r_conc",
				Model:        "metered-model",
				Provider:     "anthropic",
				InputTokens:  1000,
				OutputTokens: 0,
				Role:         "interactive",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Charge: %v", err)
		}
	}

	got, err := convs.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	// 20 charges of $0.01 each; a lost update would total less.
	want := 0.20
	if diff := got.SpentUSD - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("spent = %f, want %f", got.SpentUSD, want)
	}
}

func TestProjected(t *testing.T) {
	tr, _, _ := testTracker(t)

	// 5000 input + 5000 worst-case output at $10/M each way.
	if got := tr.Projected("metered-model", 5000); got != 0.10 {
		t.Errorf("Projected = %f, want 0.10", got)
	}
	if got := tr.Projected("local-model", 5000); got != 0 {
		t.Errorf("unpriced model Projected = %f, want 0", got)
	}
}

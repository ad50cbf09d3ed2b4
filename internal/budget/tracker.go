// Package budget enforces per-conversation spending ceilings. A call is
// admitted only when its projected worst-case cost fits in the
// conversation's remaining budget; refusal happens before any provider
// dispatch and records nothing.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wrenware/orla/internal/config"
	"github.com/wrenware/orla/internal/memory"
	"github.com/wrenware/orla/internal/usage"
)

// ErrBudgetExceeded is returned by Check when the projected cost does
// not fit in ceiling minus spent.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Tracker admits and charges LLM calls against conversation budgets.
// Check and Charge for the same conversation are serialized through a
// per-conversation mutex so two concurrent requests cannot both pass an
// admission check the ceiling only has room for once.
type Tracker struct {
	conversations *memory.Store
	usage         *usage.Store
	pricing       map[string]config.PricingEntry
	// worst-case output assumption for projection
	maxOutputTokens int
	logger          *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTracker creates a budget tracker. maxOutputTokens is the
// worst-case output assumption used for cost projection.
func NewTracker(conversations *memory.Store, usageStore *usage.Store, pricing map[string]config.PricingEntry, maxOutputTokens int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		conversations:   conversations,
		usage:           usageStore,
		pricing:         pricing,
		maxOutputTokens: maxOutputTokens,
		logger:          logger.With("component", "budget"),
		locks:           make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) lock(conversationID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[conversationID] = l
	}
	return l
}

// Projected returns the worst-case cost of a call: the estimated input
// tokens plus the configured maximum output tokens at the model's
// prices. Models absent from the price table project as free.
func (t *Tracker) Projected(model string, estInputTokens int) float64 {
	return usage.ComputeCost(model, estInputTokens, t.maxOutputTokens, t.pricing)
}

// Check refuses a call with ErrBudgetExceeded when the projected
// worst-case cost does not fit in ceiling minus spent. A refusal
// changes nothing: no charge, no usage record. A ceiling of zero or
// less means the conversation is unmetered.
func (t *Tracker) Check(ctx context.Context, conversationID, model string, estInputTokens int) error {
	l := t.lock(conversationID)
	l.Lock()
	defer l.Unlock()

	conv, err := t.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation for budget check: %w", err)
	}
	if conv.CeilingUSD <= 0 {
		return nil
	}

	projected := t.Projected(model, estInputTokens)
	remaining := conv.CeilingUSD - conv.SpentUSD
	if remaining <= 0 || projected > remaining {
		t.logger.Warn("call refused",
			"conversation_id", conversationID,
			"model", model,
			"projected_usd", projected,
			"remaining_usd", remaining,
		)
		return fmt.Errorf("conversation %s: projected $%.4f exceeds remaining $%.4f: %w",
			conversationID, projected, remaining, ErrBudgetExceeded)
	}
	return nil
}

// Charge computes the actual cost from reported usage, atomically adds
// it to the conversation's spent total, and appends a usage record.
// Returns the cost charged.
func (t *Tracker) Charge(ctx context.Context, conversationID string, rec usage.Record) (float64, error) {
	l := t.lock(conversationID)
	l.Lock()
	defer l.Unlock()

	cost := usage.ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, t.pricing)
	rec.ConversationID = conversationID
	rec.CostUSD = cost

	spent, err := t.conversations.AddSpent(ctx, conversationID, cost)
	if err != nil {
		return 0, fmt.Errorf("charge conversation: %w", err)
	}
	if err := t.usage.Record(ctx, rec); err != nil {
		return 0, fmt.Errorf("record usage: %w", err)
	}

	t.logger.Debug("charged",
		"conversation_id", conversationID,
		"model", rec.Model,
		"cost_usd", cost,
		"spent_usd", spent,
	)
	return cost, nil
}

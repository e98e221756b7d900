package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"moderation-core/internal/domain/budget"
	"moderation-core/internal/domain/cache"
	"moderation-core/internal/domain/model"
	"moderation-core/internal/domain/outbox"
	"moderation-core/internal/domain/policy"
	"moderation-core/internal/domain/worker"
)

type fakeBudgetStore struct {
	b model.Budget
}

func (s *fakeBudgetStore) Fetch(context.Context, string) (model.Budget, error) { return s.b, nil }
func (s *fakeBudgetStore) RecordUsage(context.Context, string, model.UsageRecord) error {
	return nil
}

type fakeAI struct {
	mu    sync.Mutex
	calls int
	score float64
	err   error
}

func (a *fakeAI) Score(context.Context, model.NormalizedContent) (worker.AIScore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return worker.AIScore{}, a.err
	}
	return worker.AIScore{SpamScore: a.score, Tokens: 10, Cost: decimal.NewFromFloat(0.001), Model: "test-model"}, nil
}

type memOutboxStore struct {
	mu      sync.Mutex
	entries map[string]model.OutboxEntry
}

func newMemOutboxStore() *memOutboxStore { return &memOutboxStore{entries: make(map[string]model.OutboxEntry)} }

func (s *memOutboxStore) Load(context.Context) ([]model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *memOutboxStore) Save(_ context.Context, e model.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
	return nil
}

type countingDispatcher struct {
	mu    sync.Mutex
	calls []model.ActionType
}

func (d *countingDispatcher) Dispatch(_ context.Context, e model.OutboxEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, e.ActionType)
	return nil
}

func newWorker(t *testing.T, enforcer *budget.Enforcer, ai worker.AIClient) (*worker.Worker, *countingDispatcher) {
	t.Helper()
	engine := policy.NewEngine()
	engine.AddRule(policy.Rule{
		ID: "profanity", Name: "Profanity Filter", Weight: 80,
		Match: func(c model.NormalizedContent) bool { return c.NormalizedText == "this is spam" },
	})

	dispatcher := &countingDispatcher{}
	outboxMgr, err := outbox.NewManager(dispatcher, newMemOutboxStore())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	opts := []worker.Option{}
	if ai != nil {
		opts = append(opts, worker.WithAIClient(ai))
	}

	w := worker.New(engine, cache.New(cache.Config{}), enforcer, outboxMgr, opts...)
	return w, dispatcher
}

func availableBudgetEnforcer() *budget.Enforcer {
	store := &fakeBudgetStore{b: model.Budget{
		TenantID: "t1", MonthlyLimit: decimal.NewFromInt(100), TotalSpent: decimal.Zero, DegradeMode: model.DegradeStrictRules,
	}}
	return budget.NewEnforcer(store, 0)
}

func TestProcessBlockedMessageEmitsDeleteAndWarn(t *testing.T) {
	t.Parallel()

	w, dispatcher := newWorker(t, availableBudgetEnforcer(), nil)

	job := model.MessageJob{ChatID: 1, MessageID: "m1", UserID: 42, Content: "this is spam", TenantID: "t1"}
	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.calls) != 2 {
		t.Fatalf("dispatched actions = %v, want delete+warn", dispatcher.calls)
	}
	if dispatcher.calls[0] != model.ActionDelete || dispatcher.calls[1] != model.ActionWarn {
		t.Fatalf("dispatched actions = %v, want [delete warn]", dispatcher.calls)
	}
}

func TestProcessAllowedMessageEmitsNoAction(t *testing.T) {
	t.Parallel()

	w, dispatcher := newWorker(t, availableBudgetEnforcer(), nil)

	job := model.MessageJob{ChatID: 1, MessageID: "m2", UserID: 42, Content: "hello there", TenantID: "t1"}
	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.calls) != 0 {
		t.Fatalf("dispatched actions = %v, want none", dispatcher.calls)
	}
}

func TestProcessUsesAIWhenBudgetAllowsAndMergesScore(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{score: 0.9}
	w, dispatcher := newWorker(t, availableBudgetEnforcer(), ai)

	job := model.MessageJob{ChatID: 2, MessageID: "m3", UserID: 7, Content: "borderline text", TenantID: "t1"}
	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	ai.mu.Lock()
	calls := ai.calls
	ai.mu.Unlock()
	if calls != 1 {
		t.Fatalf("AI calls = %d, want 1", calls)
	}

	// spamScore 0.9 -> weight 90 >= block threshold 80
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.calls) == 0 || dispatcher.calls[0] != model.ActionDelete {
		t.Fatalf("dispatched actions = %v, want delete first (AI score pushed verdict to block)", dispatcher.calls)
	}
}

func TestProcessSecondCallHitsCacheAndSkipsAI(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{score: 0.9}
	w, _ := newWorker(t, availableBudgetEnforcer(), ai)

	job := model.MessageJob{ChatID: 3, MessageID: "m4", UserID: 7, Content: "repeat me", TenantID: "t1"}
	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	job2 := job
	job2.MessageID = "m5"
	if err := w.Process(context.Background(), job2); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	ai.mu.Lock()
	defer ai.mu.Unlock()
	if ai.calls != 1 {
		t.Fatalf("AI calls = %d, want exactly 1 (second message hit verdict cache)", ai.calls)
	}
}

func TestProcessPropagatesAIErrorAsPreOutboxFailure(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{err: errors.New("ai provider unavailable")}
	w, dispatcher := newWorker(t, availableBudgetEnforcer(), ai)

	job := model.MessageJob{ChatID: 4, MessageID: "m6", UserID: 1, Content: "whatever text", TenantID: "t1"}
	err := w.Process(context.Background(), job)
	if err == nil {
		t.Fatalf("expected error from failed AI call")
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.calls) != 0 {
		t.Fatalf("no outbox action should have been emitted before the AI failure, got %v", dispatcher.calls)
	}
}

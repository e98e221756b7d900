package budget_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"moderation-core/internal/domain/budget"
	"moderation-core/internal/domain/model"

	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu      sync.Mutex
	budgets map[string]model.Budget
	fetches int
	failing bool
}

func newFakeStore() *fakeStore { return &fakeStore{budgets: make(map[string]model.Budget)} }

func (f *fakeStore) Fetch(_ context.Context, tenantID string) (model.Budget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failing {
		return model.Budget{}, errors.New("store down")
	}
	b, ok := f.budgets[tenantID]
	if !ok {
		return model.Budget{}, errors.New("not found")
	}
	return b, nil
}

func (f *fakeStore) RecordUsage(_ context.Context, tenantID string, usage model.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.budgets[tenantID]
	b.TotalSpent = b.TotalSpent.Add(usage.Cost)
	f.budgets[tenantID] = b
	return nil
}

func TestGetProcessingStrategyBudgetAvailable(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.budgets["t1"] = model.Budget{TenantID: "t1", MonthlyLimit: decimal.NewFromInt(100), TotalSpent: decimal.NewFromInt(10)}
	e := budget.NewEnforcer(store, time.Minute)

	s := e.GetProcessingStrategy(context.Background(), "t1", budget.ProcessingContext{})
	if !s.UseAI || s.Reason != "Budget available" {
		t.Fatalf("strategy = %+v, want UseAI with Budget available", s)
	}
}

func TestGetProcessingStrategyExhaustedStrictRules(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.budgets["t1"] = model.Budget{
		TenantID:     "t1",
		MonthlyLimit: decimal.NewFromInt(100),
		TotalSpent:   decimal.NewFromInt(100),
		DegradeMode:  model.DegradeStrictRules,
	}
	e := budget.NewEnforcer(store, time.Minute)

	s := e.GetProcessingStrategy(context.Background(), "t1", budget.ProcessingContext{})
	if s.UseAI || s.Reason != "degrade mode: strict_rules" {
		t.Fatalf("strategy = %+v, want degrade mode: strict_rules", s)
	}
}

func TestGetProcessingStrategyLinkBlocksEstablishedUser(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.budgets["t1"] = model.Budget{
		TenantID:     "t1",
		MonthlyLimit: decimal.NewFromInt(100),
		TotalSpent:   decimal.NewFromInt(100),
		DegradeMode:  model.DegradeLinkBlocks,
	}
	e := budget.NewEnforcer(store, time.Minute)

	s := e.GetProcessingStrategy(context.Background(), "t1", budget.ProcessingContext{IsNewUser: false})
	if !s.UseAI || s.Reason != "Budget exhausted but user is established" {
		t.Fatalf("strategy = %+v, want established-user override", s)
	}

	s2 := e.GetProcessingStrategy(context.Background(), "t1", budget.ProcessingContext{IsNewUser: true})
	if s2.UseAI {
		t.Fatalf("strategy = %+v, want AI skipped for new user", s2)
	}
}

func TestFetchFailsOpenOnStoreError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.failing = true
	e := budget.NewEnforcer(store, time.Minute)

	result := e.CheckBudget(context.Background(), "missing-tenant")
	if !result.Allowed {
		t.Fatalf("expected fail-open allowed=true, got %+v", result)
	}
}

func TestRecordUsageInvalidatesSnapshot(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.budgets["t1"] = model.Budget{TenantID: "t1", MonthlyLimit: decimal.NewFromInt(10), TotalSpent: decimal.Zero}
	e := budget.NewEnforcer(store, time.Hour)

	_ = e.CheckBudget(context.Background(), "t1") // warms cache
	if err := e.RecordUsage(context.Background(), "t1", model.UsageRecord{Cost: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("RecordUsage error: %v", err)
	}

	result := e.CheckBudget(context.Background(), "t1")
	if result.Allowed {
		t.Fatalf("expected budget exhausted after recorded usage, got %+v", result)
	}
	if store.fetches < 2 {
		t.Fatalf("expected snapshot invalidation to force a re-fetch, fetches=%d", store.fetches)
	}
}

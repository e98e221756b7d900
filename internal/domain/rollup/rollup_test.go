package rollup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/domain/rollup"
)

type fakeSource struct {
	active map[string][]string
	rows   map[string]rollup.RawAggregate // key "tenant|date"
	failOn string                          // tenantID that errors on Aggregate
}

func (f *fakeSource) ActiveTenants(_ context.Context, date string) ([]string, error) {
	return f.active[date], nil
}

func (f *fakeSource) Aggregate(_ context.Context, tenantID, date string) (rollup.RawAggregate, error) {
	if tenantID == f.failOn {
		return rollup.RawAggregate{}, errors.New("boom")
	}
	return f.rows[tenantID+"|"+date], nil
}

type fakeStore struct {
	saved []model.DailyRollup
}

func (s *fakeStore) SaveRollup(_ context.Context, r model.DailyRollup) error {
	for i, existing := range s.saved {
		if existing.TenantID == r.TenantID && existing.Date == r.Date {
			s.saved[i] = r
			return nil
		}
	}
	s.saved = append(s.saved, r)
	return nil
}

func (s *fakeStore) ListRollups(_ context.Context, tenantID, startDate, endDate string) ([]model.DailyRollup, error) {
	var out []model.DailyRollup
	for _, r := range s.saved {
		if r.TenantID == tenantID && r.Date >= startDate && r.Date <= endDate {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteOlderThan(_ context.Context, cutoff string) (int, error) {
	var kept []model.DailyRollup
	removed := 0
	for _, r := range s.saved {
		if r.Date < cutoff {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.saved = kept
	return removed, nil
}

func TestPerformDailyRollupUpsertsPreviousDayPerTenant(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		active: map[string][]string{"2026-07-29": {"tenant-a", "tenant-b"}},
		rows: map[string]rollup.RawAggregate{
			"tenant-a|2026-07-29": {MessagesProcessed: 10, AICallsMade: 2, AICost: decimal.NewFromFloat(0.05), CacheHits: 6, CacheMisses: 4, AvgProcessingTimeMs: 12.5},
			"tenant-b|2026-07-29": {MessagesProcessed: 3, AICallsMade: 0, CacheHits: 1, CacheMisses: 2},
		},
	}
	store := &fakeStore{}
	svc := rollup.New(source, store)

	targetDate := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	if err := svc.PerformDailyRollup(context.Background(), targetDate); err != nil {
		t.Fatalf("PerformDailyRollup: %v", err)
	}

	if len(store.saved) != 2 {
		t.Fatalf("saved rollups = %d, want 2", len(store.saved))
	}
	for _, r := range store.saved {
		if r.Date != "2026-07-29" {
			t.Fatalf("rollup date = %q, want 2026-07-29 (targetDate - 1 day)", r.Date)
		}
	}
}

func TestPerformDailyRollupSkipsZeroActivityTenant(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		active: map[string][]string{"2026-07-29": {"idle-tenant"}},
		rows:   map[string]rollup.RawAggregate{}, // idle-tenant aggregates to zero everywhere
	}
	store := &fakeStore{}
	svc := rollup.New(source, store)

	if err := svc.PerformDailyRollup(context.Background(), time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("PerformDailyRollup: %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatalf("saved rollups = %d, want 0 (zero-activity tenant skipped)", len(store.saved))
	}
}

func TestPerformDailyRollupContinuesAfterPerTenantError(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		active: map[string][]string{"2026-07-29": {"broken-tenant", "tenant-ok"}},
		rows: map[string]rollup.RawAggregate{
			"tenant-ok|2026-07-29": {MessagesProcessed: 5},
		},
		failOn: "broken-tenant",
	}
	store := &fakeStore{}
	svc := rollup.New(source, store)

	if err := svc.PerformDailyRollup(context.Background(), time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("PerformDailyRollup: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].TenantID != "tenant-ok" {
		t.Fatalf("saved = %+v, want only tenant-ok rolled up despite broken-tenant's error", store.saved)
	}
}

func TestPerformDailyRollupCrossesMonthBoundary(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		active: map[string][]string{"2026-07-31": {"tenant-a"}},
		rows: map[string]rollup.RawAggregate{
			"tenant-a|2026-07-31": {MessagesProcessed: 1},
		},
	}
	store := &fakeStore{}
	svc := rollup.New(source, store)

	// targetDate = Aug 1 -> rollup date = Jul 31 (month boundary).
	if err := svc.PerformDailyRollup(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("PerformDailyRollup: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].Date != "2026-07-31" {
		t.Fatalf("saved = %+v, want 2026-07-31", store.saved)
	}
}

func TestGetAggregatedMetricsComputesCacheHitRateAndZeroDenominator(t *testing.T) {
	t.Parallel()

	store := &fakeStore{saved: []model.DailyRollup{
		{TenantID: "t1", Date: "2026-07-01", MessagesProcessed: 10, AICallsMade: 1, AICost: decimal.NewFromFloat(0.1), CacheHits: 8, CacheMisses: 2, AvgProcessingTimeMs: 10},
		{TenantID: "t1", Date: "2026-07-02", MessagesProcessed: 5, AICallsMade: 0, CacheHits: 0, CacheMisses: 0, AvgProcessingTimeMs: 20},
	}}
	svc := rollup.New(&fakeSource{}, store)

	metrics, err := svc.GetAggregatedMetrics(context.Background(), "t1", "2026-07-01", "2026-07-02")
	if err != nil {
		t.Fatalf("GetAggregatedMetrics: %v", err)
	}
	if metrics.TotalMessages != 15 {
		t.Fatalf("TotalMessages = %d, want 15", metrics.TotalMessages)
	}
	if metrics.CacheHitRate != 0.8 {
		t.Fatalf("CacheHitRate = %v, want 0.8", metrics.CacheHitRate)
	}
}

func TestCleanupOldMetricsRemovesOlderThanRetention(t *testing.T) {
	t.Parallel()

	store := &fakeStore{saved: []model.DailyRollup{
		{TenantID: "t1", Date: "2026-01-01"},
		{TenantID: "t1", Date: "2026-07-25"},
	}}
	svc := rollup.New(&fakeSource{}, store)

	removed, err := svc.CleanupOldMetrics(context.Background(), time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC), 90)
	if err != nil {
		t.Fatalf("CleanupOldMetrics: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1 (2026-01-01 is older than the 90-day retention window)", removed)
	}
}

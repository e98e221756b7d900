// Package rollup реализует UsageRollup: периодическую задачу, агрегирующую
// сырые метрики использования в суточные тоталы на тенанта, с
// календарно-корректной арифметикой дат и устойчивостью к частичным
// ошибкам на тенанта.
//
// Структура "пройтись по активным тенантам, продолжить при ошибке одного"
// унаследована от infra/telegram/peersmgr's dialog-refresh loop (ошибка
// одного peer не прерывает обход остальных), применённого здесь к суточному
// проходу по тенантам.
package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/infra/clock"
	"moderation-core/internal/infra/logger"
)

const dateLayout = "2006-01-02"

// RawAggregate is one tenant-day's worth of raw usage, already summed by the
// metrics source (worker-emitted events, cache metrics snapshots, etc).
type RawAggregate struct {
	MessagesProcessed   int
	AICallsMade         int
	AICost              decimal.Decimal
	CacheHits           int
	CacheMisses         int
	AvgProcessingTimeMs float64
}

// RawMetricsSource is the port over raw, pre-rollup usage data.
type RawMetricsSource interface {
	// ActiveTenants lists tenants with any recorded activity on date (ISO
	// YYYY-MM-DD). Tenants with zero activity are skipped by the rollup.
	ActiveTenants(ctx context.Context, date string) ([]string, error)
	Aggregate(ctx context.Context, tenantID, date string) (RawAggregate, error)
}

// Store is the durable persistence port for computed rollups.
type Store interface {
	SaveRollup(ctx context.Context, r model.DailyRollup) error // upsert by (tenantId, date)
	ListRollups(ctx context.Context, tenantID, startDate, endDate string) ([]model.DailyRollup, error)
	DeleteOlderThan(ctx context.Context, cutoffDate string) (int, error)
}

// AggregatedMetrics is getAggregatedMetrics()'s result shape.
type AggregatedMetrics struct {
	TotalMessages     int
	TotalAICalls      int
	TotalCost         decimal.Decimal
	CacheHitRate      float64
	AvgProcessingTime float64
}

// Service is the UsageRollup.
type Service struct {
	source RawMetricsSource
	store  Store
}

// New constructs a Service.
func New(source RawMetricsSource, store Store) *Service {
	return &Service{source: source, store: store}
}

// PerformDailyRollup aggregates raw usage for targetDate-1 day per active
// tenant, upserting one DailyRollup row each. If targetDate is zero-valued,
// "today" (clock.Now()) is used. Per-tenant errors are logged and do not
// abort the pass.
func (s *Service) PerformDailyRollup(ctx context.Context, targetDate time.Time) error {
	if targetDate.IsZero() {
		targetDate = clock.Now()
	}
	rollupDate := targetDate.AddDate(0, 0, -1)
	dateKey := rollupDate.Format(dateLayout)

	tenants, err := s.source.ActiveTenants(ctx, dateKey)
	if err != nil {
		return fmt.Errorf("rollup: list active tenants for %s: %w", dateKey, err)
	}

	for _, tenantID := range tenants {
		if err := s.rollupTenant(ctx, tenantID, dateKey); err != nil {
			logger.Errorf("rollup: tenant %s date %s failed: %v", tenantID, dateKey, err)
			continue
		}
	}
	return nil
}

func (s *Service) rollupTenant(ctx context.Context, tenantID, dateKey string) error {
	raw, err := s.source.Aggregate(ctx, tenantID, dateKey)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if raw.MessagesProcessed == 0 && raw.AICallsMade == 0 && raw.CacheHits == 0 && raw.CacheMisses == 0 {
		return nil // zero activity for the day: skip, per rollup semantics
	}

	row := model.DailyRollup{
		TenantID:            tenantID,
		Date:                dateKey,
		MessagesProcessed:   raw.MessagesProcessed,
		AICallsMade:         raw.AICallsMade,
		AICost:              raw.AICost,
		CacheHits:           raw.CacheHits,
		CacheMisses:         raw.CacheMisses,
		AvgProcessingTimeMs: raw.AvgProcessingTimeMs,
	}
	if err := s.store.SaveRollup(ctx, row); err != nil {
		return fmt.Errorf("save rollup: %w", err)
	}
	return nil
}

// GetDailyRollups returns persisted rollups for tenantID within
// [startDate, endDate], inclusive, both ISO YYYY-MM-DD.
func (s *Service) GetDailyRollups(ctx context.Context, tenantID, startDate, endDate string) ([]model.DailyRollup, error) {
	return s.store.ListRollups(ctx, tenantID, startDate, endDate)
}

// GetAggregatedMetrics sums rollups for tenantID within [startDate, endDate]
// into one summary, with cacheHitRate computed over the summed hits/misses.
func (s *Service) GetAggregatedMetrics(ctx context.Context, tenantID, startDate, endDate string) (AggregatedMetrics, error) {
	rows, err := s.store.ListRollups(ctx, tenantID, startDate, endDate)
	if err != nil {
		return AggregatedMetrics{}, fmt.Errorf("list rollups: %w", err)
	}

	var out AggregatedMetrics
	out.TotalCost = decimal.Zero

	var hits, misses int
	var processingSum float64
	for _, r := range rows {
		out.TotalMessages += r.MessagesProcessed
		out.TotalAICalls += r.AICallsMade
		out.TotalCost = out.TotalCost.Add(r.AICost)
		hits += r.CacheHits
		misses += r.CacheMisses
		processingSum += r.AvgProcessingTimeMs
	}

	if total := hits + misses; total > 0 {
		out.CacheHitRate = float64(hits) / float64(total)
	}
	if len(rows) > 0 {
		out.AvgProcessingTime = processingSum / float64(len(rows))
	}
	return out, nil
}

// CleanupOldMetrics removes rollup rows older than retentionDays (relative
// to asOf, typically the caller's current time), returning the count
// deleted.
func (s *Service) CleanupOldMetrics(ctx context.Context, asOf time.Time, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("rollup: retentionDays must be > 0")
	}
	cutoff := asOf.AddDate(0, 0, -retentionDays).Format(dateLayout)
	return s.store.DeleteOlderThan(ctx, cutoff)
}

// Package rawmetrics хранит в памяти процесса сырые посуточные счётчики
// использования по тенантам — сообщения, вызовы ИИ, попадания в кэш,
// накопленную стоимость. worker.Worker пишет сюда через Record на каждое
// обработанное задание; rollup.Service читает через ActiveTenants/Aggregate
// раз в сутки и переносит агрегаты в durable-хранилище (rollupstore.Store).
//
// Хранилище намеренно не персистентное: при перезапуске процесса текущие
// сутки начинаются с нуля. Это приемлемо, потому что ежедневный rollup
// запускается после полуночи и снимает показания за уже завершённые сутки —
// перезапуск в середине дня теряет частичные метрики за этот день, не
// искажая прошлые. См. решение по открытому вопросу о хранении метрик в
// DESIGN.md.
package rawmetrics

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"moderation-core/internal/domain/rollup"
	"moderation-core/internal/domain/worker"
	"moderation-core/internal/infra/clock"
)

const dateLayout = "2006-01-02"

type bucket struct {
	messages    int
	aiCalls     int
	aiCost      decimal.Decimal
	cacheHits   int
	cacheMisses int
	totalMs     int64
}

// Store — потокобезопасный накопитель сырых метрик по (tenantID, date).
// Реализует worker.MetricsSink и rollup.RawMetricsSource.
type Store struct {
	mu      sync.Mutex
	buckets map[string]map[string]*bucket // tenantID -> date -> bucket
}

func New() *Store {
	return &Store{buckets: make(map[string]map[string]*bucket)}
}

var _ worker.MetricsSink = (*Store)(nil)
var _ rollup.RawMetricsSource = (*Store)(nil)

// Record implements worker.MetricsSink. Vызывается синхронно из Worker.Process
// после каждого обработанного задания; должен быть дешёвым.
func (s *Store) Record(m worker.Metrics) {
	if m.TenantID == "" {
		return
	}
	date := clock.Now().Format(dateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	byDate, ok := s.buckets[m.TenantID]
	if !ok {
		byDate = make(map[string]*bucket)
		s.buckets[m.TenantID] = byDate
	}
	b, ok := byDate[date]
	if !ok {
		b = &bucket{}
		byDate[date] = b
	}

	b.messages++
	b.totalMs += m.ProcessingTimeMs
	if m.AIUsed {
		b.aiCalls++
		b.aiCost = b.aiCost.Add(m.Cost)
	}
	if m.CacheHit {
		b.cacheHits++
	} else {
		b.cacheMisses++
	}
}

// ActiveTenants implements rollup.RawMetricsSource.
func (s *Store) ActiveTenants(_ context.Context, date string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tenants []string
	for tenantID, byDate := range s.buckets {
		if _, ok := byDate[date]; ok {
			tenants = append(tenants, tenantID)
		}
	}
	return tenants, nil
}

// Aggregate implements rollup.RawMetricsSource.
func (s *Store) Aggregate(_ context.Context, tenantID, date string) (rollup.RawAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDate, ok := s.buckets[tenantID]
	if !ok {
		return rollup.RawAggregate{}, nil
	}
	b, ok := byDate[date]
	if !ok {
		return rollup.RawAggregate{}, nil
	}

	var avgMs float64
	if b.messages > 0 {
		avgMs = float64(b.totalMs) / float64(b.messages)
	}

	return rollup.RawAggregate{
		MessagesProcessed:  b.messages,
		AICallsMade:        b.aiCalls,
		AICost:             b.aiCost,
		CacheHits:          b.cacheHits,
		CacheMisses:        b.cacheMisses,
		AvgProcessingTimeMs: avgMs,
	}, nil
}

// Prune отбрасывает буферы по датам строго раньше cutoff (ISO YYYY-MM-DD),
// чтобы карта не росла неограниченно. Рассчитана на вызов сразу после
// успешного PerformDailyRollup для вчерашней даты.
func (s *Store) Prune(cutoff string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tenantID, byDate := range s.buckets {
		for date := range byDate {
			if date < cutoff {
				delete(byDate, date)
			}
		}
		if len(byDate) == 0 {
			delete(s.buckets, tenantID)
		}
	}
}

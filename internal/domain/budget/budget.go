// Package budget реализует BudgetEnforcer: проверку/запись бюджета тенанта и
// политику деградации при его исчерпании, с кэшем снимков budget на короткий
// TTL — тот же RWMutex-guarded snapshot-with-TTL паттерн, что и у
// infra/config.Config.
package budget

import (
	"context"
	"sync"
	"time"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/infra/clock"
	"moderation-core/internal/infra/logger"

	"github.com/shopspring/decimal"
)

// Store — порт к внешнему хранилищу бюджетов тенантов (раздел 4.6/6).
// Реализации производственного кода обращаются по HTTP к storeBaseUrl;
// тесты подставляют фейки напрямую.
type Store interface {
	Fetch(ctx context.Context, tenantID string) (model.Budget, error)
	RecordUsage(ctx context.Context, tenantID string, usage model.UsageRecord) error
}

// ErrBudgetUnavailable классифицирует ошибки Store как временную
// недоступность — BudgetEnforcer деградирует в allowed=true, а не блокирует
// сообщение.
type ErrBudgetUnavailable struct{ Cause error }

func (e *ErrBudgetUnavailable) Error() string { return "budget store unavailable: " + e.Cause.Error() }
func (e *ErrBudgetUnavailable) Unwrap() error  { return e.Cause }

// CheckResult — результат checkBudget.
type CheckResult struct {
	Allowed         bool
	Reason          string
	DegradeMode     model.DegradeMode
	RemainingBudget decimal.Decimal
}

// ProcessingStrategy — результат getProcessingStrategy.
type ProcessingStrategy struct {
	UseAI       bool
	UseFastPath bool
	Reason      string
}

// ProcessingContext — сигналы сообщения, нужные для деградации link_blocks.
type ProcessingContext struct {
	HasLinks      bool
	IsNewUser     bool
	MessageLength int
}

// snapshot — кэшированный Budget с моментом истечения.
type snapshot struct {
	budget    model.Budget
	expiresAt time.Time
}

// CacheStats — статистика снимков бюджета для getCacheStats().
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Enforcer — BudgetEnforcer: кэширует снимки бюджета на snapshotTTL,
// никогда не блокирует сообщение из-за недоступности стора.
type Enforcer struct {
	store       Store
	snapshotTTL time.Duration

	mu    sync.RWMutex
	cache map[string]snapshot

	hits   int64
	misses int64
}

// NewEnforcer создаёт Enforcer поверх store с заданным TTL снимков.
func NewEnforcer(store Store, snapshotTTL time.Duration) *Enforcer {
	if snapshotTTL <= 0 {
		snapshotTTL = 30 * time.Second
	}
	return &Enforcer{store: store, snapshotTTL: snapshotTTL, cache: make(map[string]snapshot)}
}

// fetch возвращает бюджет тенанта, используя кэш, и заполняет его по
// промаху. При ошибке стора возвращает fail-open budget (не исчерпан).
func (e *Enforcer) fetch(ctx context.Context, tenantID string) model.Budget {
	e.mu.RLock()
	snap, ok := e.cache[tenantID]
	e.mu.RUnlock()

	if ok && clock.Now().Before(snap.expiresAt) {
		e.mu.Lock()
		e.hits++
		e.mu.Unlock()
		return snap.budget
	}

	e.mu.Lock()
	e.misses++
	e.mu.Unlock()

	b, err := e.store.Fetch(ctx, tenantID)
	if err != nil {
		logger.Warnf("budget store fetch failed for tenant %s, failing open: %v", tenantID, err)
		return model.Budget{
			TenantID:     tenantID,
			MonthlyLimit: decimal.NewFromInt(1),
			TotalSpent:   decimal.Zero,
			DegradeMode:  model.DegradeStrictRules,
			ResetDate:    firstOfNextMonth(clock.Now()),
		}
	}

	e.mu.Lock()
	e.cache[tenantID] = snapshot{budget: b, expiresAt: clock.Now().Add(e.snapshotTTL)}
	e.mu.Unlock()

	return b
}

func firstOfNextMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
}

// CheckBudget возвращает allowed/degradeMode/remaining для tenantID. Never
// blocks a message: store errors degrade to allowed=true.
func (e *Enforcer) CheckBudget(ctx context.Context, tenantID string) CheckResult {
	b := e.fetch(ctx, tenantID)
	if !b.IsExhausted() {
		return CheckResult{Allowed: true, DegradeMode: b.DegradeMode, RemainingBudget: b.Remaining()}
	}
	return CheckResult{
		Allowed:         false,
		Reason:          "degrade mode: " + string(b.DegradeMode),
		DegradeMode:     b.DegradeMode,
		RemainingBudget: decimal.Zero,
	}
}

// RecordUsage persists a usage event and invalidates the tenant's cached
// snapshot so the next check reflects the new spend.
func (e *Enforcer) RecordUsage(ctx context.Context, tenantID string, usage model.UsageRecord) error {
	err := e.store.RecordUsage(ctx, tenantID, usage)

	e.mu.Lock()
	delete(e.cache, tenantID)
	e.mu.Unlock()

	if err != nil {
		logger.Warnf("budget store record usage failed for tenant %s: %v", tenantID, err)
		return &ErrBudgetUnavailable{Cause: err}
	}
	return nil
}

// ShouldApplyDegradeMode decides whether a degrade mode's AI-skipping
// restriction applies to this message, given its context. true means "skip
// AI for this message under this mode".
func ShouldApplyDegradeMode(mode model.DegradeMode, ctx ProcessingContext) bool {
	switch mode {
	case model.DegradeDisableAI, model.DegradeStrictRules:
		return true
	case model.DegradeLinkBlocks:
		// Established users keep using AI; new users (especially with
		// links, enforced at the rule level) fall back to rules only.
		return ctx.IsNewUser
	default:
		return false
	}
}

// GetProcessingStrategy implements §4.6's decision table.
func (e *Enforcer) GetProcessingStrategy(ctx context.Context, tenantID string, pctx ProcessingContext) ProcessingStrategy {
	b := e.fetch(ctx, tenantID)

	if !b.IsExhausted() {
		return ProcessingStrategy{UseAI: true, UseFastPath: true, Reason: "Budget available"}
	}

	established := !pctx.IsNewUser
	if b.DegradeMode == model.DegradeLinkBlocks && established {
		return ProcessingStrategy{UseAI: true, UseFastPath: true, Reason: "Budget exhausted but user is established"}
	}

	return ProcessingStrategy{UseAI: false, UseFastPath: true, Reason: "degrade mode: " + string(b.DegradeMode)}
}

// ClearCache clears the snapshot cache, globally if tenantID is empty, else
// only for that tenant.
func (e *Enforcer) ClearCache(tenantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tenantID == "" {
		e.cache = make(map[string]snapshot)
		return
	}
	delete(e.cache, tenantID)
}

// GetCacheStats returns a snapshot of cache hit/miss counters.
func (e *Enforcer) GetCacheStats() CacheStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return CacheStats{Entries: len(e.cache), Hits: e.hits, Misses: e.misses}
}

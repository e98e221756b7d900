// Package worker реализует ModerationWorker: оркестрацию конвейера вердикта
// для одного MessageJob — нормализация, оценка политики, кэш, бюджетный
// гейт, опциональный вызов ИИ, запись в outbox и эмиссию метрик.
//
// Структура пошагового конвейера с явными точками отказа унаследована от
// domain/notifications.Queue.deliver (последовательность "подготовить ->
// вызвать внешнего потребителя -> учесть результат"), обобщённого до
// состояний received/normalizing/policy-evaluated/.../done|failed из
// раздела ModerationWorker.
package worker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"moderation-core/internal/domain/budget"
	"moderation-core/internal/domain/cache"
	"moderation-core/internal/domain/model"
	"moderation-core/internal/domain/outbox"
	"moderation-core/internal/domain/policy"
	"moderation-core/internal/infra/clock"
	"moderation-core/internal/infra/logger"
)

// AIScore is the result of one AIClient.Score call.
type AIScore struct {
	SpamScore float64
	Tokens    int
	Cost      decimal.Decimal
	Model     string
}

// AIClient scores normalized content for spam likelihood. Implemented by an
// external collaborator (see SPEC_FULL.md's AIClient port).
type AIClient interface {
	Score(ctx context.Context, content model.NormalizedContent) (AIScore, error)
}

// GroupPolicy controls which side-effects accompany a block/review verdict
// for one chat. Group policy configuration lives outside the core; the
// worker only consumes the resolved decision.
type GroupPolicy struct {
	WarnOnBlock    bool
	StrikeOnBlock  bool
	WarnOnReview   bool
	StrikeOnReview bool
}

// DefaultGroupPolicy matches the illustrative §4.8 mapping: warn+strike on
// block, warn only on review.
var DefaultGroupPolicy = GroupPolicy{WarnOnBlock: true, StrikeOnBlock: true, WarnOnReview: true}

// GroupPolicyProvider resolves the effective GroupPolicy for a chat. A nil
// provider makes the worker use DefaultGroupPolicy for every chat.
type GroupPolicyProvider interface {
	PolicyFor(ctx context.Context, chatID int64) GroupPolicy
}

// StrikeTracker records a moderation strike against a user. Optional: a nil
// tracker makes strike increments a no-op (policy has no escalation store).
type StrikeTracker interface {
	Increment(ctx context.Context, chatID, userID int64) (int, error)
}

// Metrics is the per-job metrics emission named by §4.8 step 9.
type Metrics struct {
	TenantID         string
	ProcessingTimeMs int64
	CacheHit         bool
	AIUsed           bool
	Cost             decimal.Decimal
	Verdict          model.Verdict
}

// MetricsSink receives one Metrics per processed job. Optional.
type MetricsSink interface {
	Record(Metrics)
}

// Worker is the ModerationWorker: stateless across jobs, safe to run
// concurrently from multiple shard workers since all its collaborators are
// themselves concurrency-safe.
type Worker struct {
	engine  *policy.Engine
	cache   *cache.Cache
	budget  *budget.Enforcer
	ai      AIClient // nil disables the AI stage entirely
	outbox  *outbox.Manager

	policies GroupPolicyProvider
	strikes  StrikeTracker
	metrics  MetricsSink
}

// Option customizes Worker construction.
type Option func(*Worker)

func WithAIClient(ai AIClient) Option                       { return func(w *Worker) { w.ai = ai } }
func WithGroupPolicyProvider(p GroupPolicyProvider) Option   { return func(w *Worker) { w.policies = p } }
func WithStrikeTracker(s StrikeTracker) Option               { return func(w *Worker) { w.strikes = s } }
func WithMetricsSink(m MetricsSink) Option                   { return func(w *Worker) { w.metrics = m } }

// New builds a Worker. engine, cacheInstance, enforcer and outboxMgr are
// required; everything else is optional via Option.
func New(engine *policy.Engine, cacheInstance *cache.Cache, enforcer *budget.Enforcer, outboxMgr *outbox.Manager, opts ...Option) *Worker {
	w := &Worker{engine: engine, cache: cacheInstance, budget: enforcer, outbox: outboxMgr}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process implements queue.Handler: runs the full verdict pipeline for job
// and enqueues the resulting action(s) on the outbox. Any error returned
// here is a pre-outbox failure per §4.8 and causes the caller (ShardManager)
// to retry the job with backoff, then dead-letter it.
func (w *Worker) Process(ctx context.Context, job model.MessageJob) error {
	start := clock.Now()

	normalized := policy.Normalize(job.Content)
	verdict := w.engine.EvaluateNormalized(normalized)

	cacheHit := false
	aiUsed := false
	cost := decimal.Zero

	if cached, ok := w.cache.Get(normalized); ok {
		verdict = cached
		cacheHit = true
	} else {
		strategy := w.budget.GetProcessingStrategy(ctx, job.TenantID, budget.ProcessingContext{
			HasLinks:      job.HasLinks,
			IsNewUser:     job.IsNewUser,
			MessageLength: len(normalized.NormalizedText),
		})

		if strategy.UseAI && w.ai != nil {
			score, err := w.ai.Score(ctx, normalized)
			if err != nil {
				return fmt.Errorf("ai scoring: %w", err)
			}
			aiUsed = true
			cost = score.Cost
			verdict = policy.MergeAIScore(verdict, score.SpamScore, w.engine.Thresholds())

			usage := model.UsageRecord{
				TenantID:  job.TenantID,
				Tokens:    score.Tokens,
				Cost:      score.Cost,
				Model:     score.Model,
				Operation: "moderation.score",
				Timestamp: clock.Now(),
			}
			if err := w.budget.RecordUsage(ctx, job.TenantID, usage); err != nil {
				logger.Warnf("worker: record usage for tenant %s failed: %v", job.TenantID, err)
			}
		}

		w.cache.Set(normalized, verdict, 0)
	}

	if err := w.emitActions(ctx, job, verdict); err != nil {
		// Step 7+ is delegated to the outbox and must never fail the job;
		// a createAction persistence error is logged, not propagated.
		logger.Errorf("worker: emit actions for job %s failed: %v", job.JobID(), err)
	}

	w.recordMetrics(Metrics{
		TenantID:         job.TenantID,
		ProcessingTimeMs: clock.Now().Sub(start).Milliseconds(),
		CacheHit:         cacheHit,
		AIUsed:           aiUsed,
		Cost:             cost,
		Verdict:          verdict.Verdict,
	})

	return nil
}

func (w *Worker) emitActions(ctx context.Context, job model.MessageJob, verdict model.PolicyVerdict) error {
	gp := DefaultGroupPolicy
	if w.policies != nil {
		gp = w.policies.PolicyFor(ctx, job.ChatID)
	}

	switch verdict.Verdict {
	case model.VerdictBlock:
		if _, err := w.createAndHandoff(ctx, job, model.ActionDelete, model.ActionPayload{ChatID: job.ChatID, MessageID: job.MessageID}); err != nil {
			return err
		}
		if gp.WarnOnBlock {
			if _, err := w.createAndHandoff(ctx, job, model.ActionWarn, model.ActionPayload{ChatID: job.ChatID, Text: warnText(verdict)}); err != nil {
				return err
			}
		}
		if gp.StrikeOnBlock {
			w.strike(ctx, job)
		}
	case model.VerdictReview:
		if gp.WarnOnReview {
			if _, err := w.createAndHandoff(ctx, job, model.ActionWarn, model.ActionPayload{ChatID: job.ChatID, Text: warnText(verdict)}); err != nil {
				return err
			}
		}
		if gp.StrikeOnReview {
			w.strike(ctx, job)
		}
	case model.VerdictAllow:
		// no action
	}
	return nil
}

func (w *Worker) createAndHandoff(ctx context.Context, job model.MessageJob, actionType model.ActionType, payload model.ActionPayload) (string, error) {
	id, err := w.outbox.CreateAction(ctx, job.ChatID, job.MessageID, actionType, payload)
	if err != nil {
		return "", fmt.Errorf("create action %s: %w", actionType, err)
	}
	if _, err := w.outbox.ProcessAction(ctx, id); err != nil {
		logger.Warnf("worker: process action %s failed: %v", id, err)
	}
	return id, nil
}

func (w *Worker) strike(ctx context.Context, job model.MessageJob) {
	if w.strikes == nil {
		return
	}
	if _, err := w.strikes.Increment(ctx, job.ChatID, job.UserID); err != nil {
		logger.Warnf("worker: strike increment for user %d in chat %d failed: %v", job.UserID, job.ChatID, err)
	}
}

func warnText(v model.PolicyVerdict) string {
	return fmt.Sprintf("Message flagged: %s", v.Reason)
}

func (w *Worker) recordMetrics(m Metrics) {
	if w.metrics != nil {
		w.metrics.Record(m)
		return
	}
	logger.Debugf("worker: processed job in %dms cacheHit=%v aiUsed=%v verdict=%s", m.ProcessingTimeMs, m.CacheHit, m.AIUsed, m.Verdict)
}

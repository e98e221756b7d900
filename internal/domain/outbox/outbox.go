// Package outbox реализует OutboxManager: durable pending/processing/
// completed/failed ledger исходящих модераторских действий, идемпотентный
// по id=chatId:messageId:actionType, с экспоненциальным бэкоффом и джиттером
// между повторами.
//
// Персистентность и паттерн compare-and-set переходов статуса унаследованы
// от domain/notifications.Queue/store.go (debounced atomic-write persistence,
// retry bookkeeping); состояние здесь — явный pending/processing/completed/
// failed ledger вместо urgent/regular очереди уведомлений.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/infra/clock"
	"moderation-core/internal/infra/logger"
)

// Dispatcher executes one outbox action against the platform. Errors are
// classified by the caller (ProcessAction) as retryable or not via
// Retryable.
type Dispatcher interface {
	Dispatch(ctx context.Context, entry model.OutboxEntry) error
}

// Retryable is implemented by dispatcher errors that know whether a retry
// could succeed (transient network/5xx/429) versus not (4xx client errors,
// already a terminal failure).
type Retryable interface {
	Retryable() bool
}

// Store is the durable persistence port for the outbox ledger.
type Store interface {
	Load(ctx context.Context) ([]model.OutboxEntry, error)
	Save(ctx context.Context, entry model.OutboxEntry) error
}

const (
	defaultMaxRetries = 3
	baseBackoff       = 250 * time.Millisecond
	maxBackoff        = 30 * time.Second
)

// Manager is the OutboxManager: an in-memory ledger backed by Store, with a
// compare-and-set pending->processing transition guaranteeing at-most-one
// executor per id.
type Manager struct {
	dispatcher Dispatcher
	store      Store
	maxRetries int
	randFn     func() float64 // injectable for deterministic jitter in tests

	mu      sync.Mutex
	entries map[string]*model.OutboxEntry
	order   []string // creation order, for getPendingActions
}

// Option customizes Manager construction.
type Option func(*Manager)

// WithMaxRetries overrides the default of 3.
func WithMaxRetries(n int) Option { return func(m *Manager) { m.maxRetries = n } }

// WithRandom overrides the jitter source (tests inject a deterministic one).
func WithRandom(fn func() float64) Option { return func(m *Manager) { m.randFn = fn } }

// NewManager creates a Manager and restores any persisted entries from
// store, reverting any entry still "processing" back to "pending" — a crash
// recovery rule from the concurrency model (§5).
func NewManager(dispatcher Dispatcher, store Store, opts ...Option) (*Manager, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}

	m := &Manager{
		dispatcher: dispatcher,
		store:      store,
		maxRetries: defaultMaxRetries,
		randFn:     rand.Float64,
		entries:    make(map[string]*model.OutboxEntry),
	}
	for _, opt := range opts {
		opt(m)
	}

	restored, err := store.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("restore outbox state: %w", err)
	}
	for _, e := range restored {
		e := e
		if e.Status == model.OutboxProcessing {
			logger.Warnf("outbox: reverting in-flight entry %s to pending on restart", e.ID)
			e.Status = model.OutboxPending
		}
		m.entries[e.ID] = &e
		m.order = append(m.order, e.ID)
	}

	return m, nil
}

// CreateAction creates (or returns the existing id of) a pending action.
// Idempotent by id: re-creating an already-known action is a no-op.
func (m *Manager) CreateAction(ctx context.Context, chatID int64, messageID string, actionType model.ActionType, payload model.ActionPayload) (string, error) {
	id := model.OutboxID(chatID, messageID, actionType)

	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return id, nil
	}

	entry := &model.OutboxEntry{
		ID:         id,
		ChatID:     chatID,
		MessageID:  messageID,
		ActionType: actionType,
		Payload:    payload,
		Status:     model.OutboxPending,
		CreatedAt:  clock.Now(),
	}
	m.entries[id] = entry
	m.order = append(m.order, id)
	snapshot := entry.Clone()
	m.mu.Unlock()

	if err := m.store.Save(ctx, snapshot); err != nil {
		return "", fmt.Errorf("persist outbox entry %s: %w", id, err)
	}
	return id, nil
}

// ProcessResult is the result of ProcessAction.
type ProcessResult struct {
	Success bool
	Error   string
}

// ProcessAction executes the action for id via the dispatcher, applying the
// pending->processing->{completed,pending,failed} state machine. Completed
// entries return success without re-executing.
func (m *Manager) ProcessAction(ctx context.Context, id string) (ProcessResult, error) {
	m.mu.Lock()
	entry, exists := m.entries[id]
	if !exists {
		m.mu.Unlock()
		return ProcessResult{}, fmt.Errorf("outbox: unknown action %s", id)
	}

	switch entry.Status {
	case model.OutboxCompleted:
		m.mu.Unlock()
		return ProcessResult{Success: true}, nil
	case model.OutboxFailed:
		m.mu.Unlock()
		return ProcessResult{Success: false, Error: entry.LastError}, nil
	case model.OutboxProcessing:
		m.mu.Unlock()
		return ProcessResult{}, fmt.Errorf("outbox: action %s already processing", id)
	}

	// compare-and-set pending -> processing
	entry.Status = model.OutboxProcessing
	snapshot := entry.Clone()
	m.mu.Unlock()

	if err := m.store.Save(ctx, snapshot); err != nil {
		logger.Warnf("outbox: persist processing state for %s failed: %v", id, err)
	}

	dispatchErr := m.dispatcher.Dispatch(ctx, snapshot)

	m.mu.Lock()
	defer m.mu.Unlock()

	if dispatchErr == nil {
		now := clock.Now()
		entry.Status = model.OutboxCompleted
		entry.ProcessedAt = &now
		entry.LastError = ""
		result := ProcessResult{Success: true}
		m.persistLocked(ctx, entry)
		return result, nil
	}

	if !isRetryable(dispatchErr) {
		entry.Status = model.OutboxFailed
		entry.LastError = dispatchErr.Error()
		m.persistLocked(ctx, entry)
		return ProcessResult{Success: false, Error: entry.LastError}, nil
	}

	entry.RetryCount++
	if entry.RetryCount > m.maxRetries {
		entry.Status = model.OutboxFailed
		entry.LastError = "Max retries exceeded"
		m.persistLocked(ctx, entry)
		return ProcessResult{Success: false, Error: entry.LastError}, nil
	}

	entry.Status = model.OutboxPending
	entry.LastError = dispatchErr.Error()
	m.persistLocked(ctx, entry)
	return ProcessResult{Success: false, Error: entry.LastError}, nil
}

func (m *Manager) persistLocked(ctx context.Context, entry *model.OutboxEntry) {
	snapshot := entry.Clone()
	if err := m.store.Save(ctx, snapshot); err != nil {
		logger.Warnf("outbox: persist entry %s failed: %v", entry.ID, err)
	}
}

func isRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true // unknown errors are assumed transient per §7's default policy
}

// BackoffFor computes the exponential-with-jitter delay before the next
// retry of an entry currently at retryCount (pre-increment), base 250ms,
// cap 30s, jitter factor in [0.85,1.15].
func (m *Manager) BackoffFor(retryCount int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(retryCount))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := 0.85 + m.randFn()*0.3
	return time.Duration(float64(d) * jitter)
}

// GetActionStatus returns a defensive copy of the entry for id, if known.
func (m *Manager) GetActionStatus(id string) (model.OutboxEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return model.OutboxEntry{}, false
	}
	return e.Clone(), true
}

// GetPendingActions returns pending entries in chronological (creation)
// order.
func (m *Manager) GetPendingActions() []model.OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []model.OutboxEntry
	for _, id := range m.order {
		e := m.entries[id]
		if e.Status == model.OutboxPending {
			pending = append(pending, e.Clone())
		}
	}
	return pending
}

// Metrics is the getMetrics() snapshot.
type Metrics struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// GetMetrics aggregates entry counts by status.
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Metrics
	s.Total = len(m.entries)
	for _, e := range m.entries {
		switch e.Status {
		case model.OutboxPending:
			s.Pending++
		case model.OutboxProcessing:
			s.Processing++
		case model.OutboxCompleted:
			s.Completed++
		case model.OutboxFailed:
			s.Failed++
		}
	}
	return s
}

// Cleanup removes terminal (completed/failed) entries older than cutoff,
// returning the count removed.
func (m *Manager) Cleanup(olderThan time.Duration) int {
	cutoff := clock.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	var keptOrder []string
	for _, id := range m.order {
		e := m.entries[id]
		terminal := e.Status == model.OutboxCompleted || e.Status == model.OutboxFailed
		if terminal && e.CreatedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
			continue
		}
		keptOrder = append(keptOrder, id)
	}
	m.order = keptOrder
	return removed
}

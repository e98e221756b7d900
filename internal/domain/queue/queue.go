// Package queue реализует MessageQueue и ShardManager: маршрутизацию
// MessageJob по N партициям стабильным хешем, идемпотентную публикацию,
// приоритетное извлечение внутри партиции и пул воркеров на партицию.
//
// Структура воркер-цикла унаследована от readiness-сигнального паттерна
// domain/notifications.Queue (urgentCh/regularCh + select), обобщённого с
// двух очередей до N партиций, каждая со своей приоритетной готовой
// очередью.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/infra/logger"
)

// Config параметризует ShardManager (раздел "Queue" внешней конфигурации).
type Config struct {
	PartitionCount         int
	Concurrency            int
	MaxConcurrencyPerShard int // 0 = unset
	HighWatermark          int

	// ShardRatePerSecond ограничивает, сколько заданий партиция отдаёт
	// воркерам в секунду (§4.7: "each partition has … independent rate
	// limiting"). 0 означает отсутствие ограничения.
	ShardRatePerSecond int
}

// Validate applies the §4.7 configuration validation rules.
func (c Config) Validate() error {
	if c.PartitionCount < 1 {
		return errors.New("partitionCount must be >= 1")
	}
	if c.PartitionCount > 64 {
		return errors.New("partitionCount must be <= 64")
	}
	if c.Concurrency < c.PartitionCount {
		return errors.New("concurrency must be >= partitionCount")
	}
	perShard := c.Concurrency / c.PartitionCount
	if perShard < 1 {
		return errors.New("resulting per-shard concurrency would be 0")
	}
	if c.MaxConcurrencyPerShard > 0 && c.MaxConcurrencyPerShard < perShard {
		return errors.New("maxConcurrencyPerShard must be >= floor(concurrency/partitionCount)")
	}
	return nil
}

func (c Config) perShardConcurrency() int {
	n := c.Concurrency / c.PartitionCount
	if c.MaxConcurrencyPerShard > 0 && c.MaxConcurrencyPerShard < n {
		return c.MaxConcurrencyPerShard
	}
	return n
}

// Stats — getQueueStats() снимок.
type Stats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

// Handler processes one job to terminal success/failure. Returning an error
// marks the job as requiring a retry (see maxJobRetries).
type Handler func(ctx context.Context, job model.MessageJob) error

// jobState tracks a job's lifetime for idempotency and stats.
type jobState struct {
	job       model.MessageJob
	retries   int
	terminal  bool
}

const maxJobRetries = 5

// readyItem is one entry in a partition's priority-then-FIFO ready queue.
type readyItem struct {
	job  model.MessageJob
	seq  uint64
}

type partition struct {
	mgr   *ShardManager
	index int

	mu    sync.Mutex
	ready []readyItem // maintained as a simple priority-then-FIFO slice
	seq   uint64

	wakeCh chan struct{}

	sem     chan struct{} // bounds per-shard worker concurrency
	limiter *rate.Limiter // nil when ShardRatePerSecond is unset

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// ShardManager owns N partitions, each an independent ready queue + worker
// pool, and routes MessageJobs to them by a stable hash of chatId.
type ShardManager struct {
	cfg        Config
	handler    Handler
	partitions []*partition

	mu          sync.Mutex
	jobs        map[string]*jobState // jobId -> state, for idempotency + stats
	completed   int
	failed      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewShardManager validates cfg and builds N partitions wired to handler.
// Call Start to launch the worker pools.
func NewShardManager(cfg Config, handler Handler) (*ShardManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &ShardManager{
		cfg:     cfg,
		handler: handler,
		jobs:    make(map[string]*jobState),
		ctx:     ctx,
		cancel:  cancel,
	}

	perShard := cfg.perShardConcurrency()
	m.partitions = make([]*partition, cfg.PartitionCount)
	for i := range m.partitions {
		m.partitions[i] = &partition{
			mgr:     m,
			index:   i,
			wakeCh:  make(chan struct{}, 1),
			sem:     make(chan struct{}, perShard),
			limiter: newShardLimiter(cfg.ShardRatePerSecond),
		}
	}

	return m, nil
}

// Start launches each partition's worker loop. Idempotent.
func (m *ShardManager) Start() {
	m.once.Do(func() {
		for _, p := range m.partitions {
			p := p
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				p.workerLoop(m.ctx)
			}()
		}
		logger.Infof("queue: started %d partitions", len(m.partitions))
	})
}

// Shutdown cancels the manager context, which stops the partitions' dispatch
// loops (they stop pulling from the ready queue) and is also the context that
// handlers already running were given, then waits up to grace for the
// dispatch loops to return. Handler goroutines still running are not awaited,
// and jobs left in the ready queues are not run.
func (m *ShardManager) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		m.cancel()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn("queue: shutdown grace period elapsed, forcing stop")
	}
}

// ErrBackpressure is returned by Publish when a shard's ready queue has
// exceeded its highWatermark.
var ErrBackpressure = errors.New("queue: shard ready queue over highWatermark")

// Publish enqueues job, returning its jobId. Idempotent: re-publishing the
// same (chatId,messageId) while the original is not terminal returns the
// same jobId without enqueuing a second copy.
func (m *ShardManager) Publish(job model.MessageJob) (string, error) {
	jobID := job.JobID()

	m.mu.Lock()
	if st, exists := m.jobs[jobID]; exists && !st.terminal {
		m.mu.Unlock()
		return jobID, nil
	}
	m.jobs[jobID] = &jobState{job: job}
	m.mu.Unlock()

	p := m.partitionFor(job.ChatID)
	if err := p.enqueue(job); err != nil {
		m.mu.Lock()
		delete(m.jobs, jobID)
		m.mu.Unlock()
		return "", err
	}

	return jobID, nil
}

func (m *ShardManager) partitionFor(chatID int64) *partition {
	return m.partitions[ShardFor(chatID, len(m.partitions))]
}

// Stats aggregates waiting/active/completed/failed across all partitions.
func (m *ShardManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	s.Completed = m.completed
	s.Failed = m.failed
	for _, p := range m.partitions {
		p.mu.Lock()
		s.Waiting += len(p.ready)
		s.Active += len(p.sem)
		p.mu.Unlock()
	}
	return s
}

// FairnessScore implements the §4.7 hotspot-isolation metric over a sample
// of chat ids: 1 - (maxDeviation/mean) across partitions' assigned counts.
func (m *ShardManager) FairnessScore(chatIDs []int64) float64 {
	n := len(m.partitions)
	if n == 0 || len(chatIDs) == 0 {
		return 1
	}
	counts := make([]int, n)
	for _, id := range chatIDs {
		counts[ShardFor(id, n)]++
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	mean := float64(total) / float64(n)
	if mean == 0 {
		return 1
	}
	maxDev := 0.0
	for _, c := range counts {
		d := float64(c) - mean
		if d < 0 {
			d = -d
		}
		if d > maxDev {
			maxDev = d
		}
	}
	return 1 - (maxDev / mean)
}

// newShardLimiter builds a per-partition rate.Limiter from the configured
// shard rate, or nil if rate limiting is disabled (ratePerSecond <= 0).
func newShardLimiter(ratePerSecond int) *rate.Limiter {
	if ratePerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond)
}

func (p *partition) enqueue(job model.MessageJob) error {
	p.mu.Lock()
	if p.mgr.cfg.HighWatermark > 0 && len(p.ready) >= p.mgr.cfg.HighWatermark {
		p.mu.Unlock()
		return ErrBackpressure
	}
	p.seq++
	p.ready = append(p.ready, readyItem{job: job, seq: p.seq})
	p.sortReady()
	p.mu.Unlock()

	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// sortReady keeps p.ready ordered by priority (high first) then FIFO by
// sequence number. Called with p.mu held.
func (p *partition) sortReady() {
	items := p.ready
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && lessReady(items[j], items[j-1]) {
			items[j], items[j-1] = items[j-1], items[j]
			j--
		}
	}
}

func lessReady(a, b readyItem) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}

func (p *partition) pop() (model.MessageJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ready) == 0 {
		return model.MessageJob{}, false
	}
	item := p.ready[0]
	p.ready = p.ready[1:]
	return item.job, true
}

// workerLoop drains the ready queue with up to perShardConcurrency workers
// running concurrently, gated by p.sem. Same select-on-wake shape as
// domain/notifications.Queue.workerLoop, generalized to a single wake
// channel per partition instead of urgent/regular.
func (p *partition) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wakeCh:
			p.drain(ctx)
		}
	}
}

func (p *partition) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Reserve a worker slot before popping, so jobs waiting on
		// capacity stay visible in p.ready for backpressure accounting
		// instead of being held invisibly inside this loop.
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, ok := p.pop()
		if !ok {
			<-p.sem
			return
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				<-p.sem
				return
			}
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.mgr.process(ctx, job)
		}()
	}
}

// process runs the handler for job and updates idempotency/stats state
// according to the outcome, requeuing with backoff on transient errors up
// to maxJobRetries before giving up (dead-letter, observed via stats only).
func (m *ShardManager) process(ctx context.Context, job model.MessageJob) {
	err := m.handler(ctx, job)

	jobID := job.JobID()
	m.mu.Lock()
	st, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if err == nil {
		m.mu.Lock()
		st.terminal = true
		m.completed++
		m.mu.Unlock()
		return
	}

	st.retries++
	if st.retries >= maxJobRetries {
		logger.Errorf("queue: job %s failed permanently after %d retries: %v", jobID, st.retries, err)
		m.mu.Lock()
		st.terminal = true
		m.failed++
		m.mu.Unlock()
		return
	}

	logger.Warnf("queue: job %s failed (retry %d/%d): %v", jobID, st.retries, maxJobRetries, err)
	delay := backoffFor(st.retries)
	p := m.partitionFor(job.ChatID)
	time.AfterFunc(delay, func() {
		_ = p.enqueue(job)
	})
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	const maxDelay = 5 * time.Second
	if d > maxDelay {
		return maxDelay
	}
	return d
}

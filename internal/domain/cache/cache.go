// Package cache реализует TTL+LRU кэш вердиктов политики, ключом к которому
// служит стабильный фингерпринт нормализованного контента.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/infra/clock"
	"moderation-core/internal/infra/logger"
)

// Config параметризует поведение кэша (раздел "Cache" внешней конфигурации).
type Config struct {
	TTL             time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
	EnableMetrics   bool
}

// Metrics — снимок счётчиков кэша для getMetrics().
type Metrics struct {
	HitCount              int64
	MissCount             int64
	TotalEntries          int
	EvictedCount          int64
	TotalMemoryUsageBytes int64
	AverageEntrySize      float64
}

// HitRate возвращает hits/(hits+misses), 0 при отсутствии обращений.
func (m Metrics) HitRate() float64 {
	total := m.HitCount + m.MissCount
	if total == 0 {
		return 0
	}
	return float64(m.HitCount) / float64(total)
}

type entryNode struct {
	key   string
	entry model.CacheEntry
}

// Cache — потокобезопасный TTL+LRU кэш PolicyVerdict. Инвариант: читатели
// никогда не наблюдают порванные записи (мутация атомарна относительно
// одного mu), запись раз сохранённая под ключом заменяется целиком.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*listElement
	order   *lruList

	hitCount     int64
	missCount    int64
	evictedCount int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// listElement и lruList реализуют минимальный интрузивный двусвязный список
// для LRU-порядка без внешних зависимостей — тот же стиль, что и
// mutex-guarded map-кэш в исходном боте, расширенный порядком вытеснения.
type listElement struct {
	prev, next *listElement
	node       entryNode
}

type lruList struct {
	head, tail *listElement // head = most-recently-used, tail = least
}

func (l *lruList) pushFront(e *listElement) {
	e.prev, e.next = nil, l.head
	if l.head != nil {
		l.head.prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
}

func (l *lruList) remove(e *listElement) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (l *lruList) moveToFront(e *listElement) {
	if l.head == e {
		return
	}
	l.remove(e)
	l.pushFront(e)
}

// New создаёт кэш и запускает фоновую очистку просроченных записей.
// Эквивалент cleanup-тикера из infra/concurrency.Deduplicator, но привязан к
// жизненному циклу конкретного кэша, а не процесса целиком.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*listElement),
		order:   &lruList{},
		cancel:  cancel,
	}

	c.wg.Add(1)
	go c.cleanupLoop(ctx)

	return c
}

func (c *Cache) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.CleanupInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.removeExpired()
			c.mu.Lock()
			next := c.cfg.CleanupInterval
			c.mu.Unlock()
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (c *Cache) removeExpired() {
	now := clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.entries {
		if now.After(el.node.entry.ExpiresAt) {
			c.order.remove(el)
			delete(c.entries, key)
		}
	}
}

// Fingerprint вычисляет 256-битный ключ кэша. Порядок URL значим — разный
// порядок ссылок даёт разный фингерпринт, это осознанное поведение, а не
// дефект (см. SPEC_FULL.md §4.5 / §9).
func Fingerprint(c model.NormalizedContent) string {
	h := sha256.New()
	h.Write([]byte(c.NormalizedText))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(c.URLs, "")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(c.Mentions, "")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(c.Hashtags, "")))
	return hex.EncodeToString(h.Sum(nil))
}

// Get ищет по NormalizedContent's фингерпринту. Истёкшая запись
// удаляется и трактуется как промах.
func (c *Cache) Get(content model.NormalizedContent) (model.PolicyVerdict, bool) {
	key := Fingerprint(content)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.missCount++
		return model.PolicyVerdict{}, false
	}

	now := clock.Now()
	if now.After(el.node.entry.ExpiresAt) {
		c.order.remove(el)
		delete(c.entries, key)
		c.missCount++
		return model.PolicyVerdict{}, false
	}

	el.node.entry.HitCount++
	c.order.moveToFront(el)
	c.hitCount++
	return el.node.entry.Verdict, true
}

// Set вставляет или заменяет вердикт под фингерпринтом content. ttl==0
// использует TTL по умолчанию конфигурации.
func (c *Cache) Set(content model.NormalizedContent, verdict model.PolicyVerdict, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	key := Fingerprint(content)
	now := clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := model.CacheEntry{
		Fingerprint: key,
		Verdict:     verdict,
		InsertedAt:  now,
		ExpiresAt:   now.Add(ttl),
	}

	if el, exists := c.entries[key]; exists {
		el.node.entry = entry
		c.order.moveToFront(el)
		return
	}

	el := &listElement{node: entryNode{key: key, entry: entry}}
	c.entries[key] = el
	c.order.pushFront(el)

	for len(c.entries) > c.cfg.MaxEntries {
		oldest := c.order.tail
		if oldest == nil {
			break
		}
		c.order.remove(oldest)
		delete(c.entries, oldest.node.key)
		c.evictedCount++
	}
}

// Clear удаляет все записи без остановки фоновой очистки.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*listElement)
	c.order = &lruList{}
}

// UpdateConfig заменяет TTL/MaxEntries на лету; фоновый интервал очистки
// применяется со следующего тика.
func (c *Cache) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.TTL > 0 {
		c.cfg.TTL = cfg.TTL
	}
	if cfg.MaxEntries > 0 {
		c.cfg.MaxEntries = cfg.MaxEntries
	}
	if cfg.CleanupInterval > 0 {
		c.cfg.CleanupInterval = cfg.CleanupInterval
	}
	c.cfg.EnableMetrics = cfg.EnableMetrics
}

// GetMetrics возвращает снимок текущих счётчиков кэша.
func (c *Cache) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalSize int64
	for _, el := range c.entries {
		totalSize += int64(len(el.node.entry.Fingerprint) + len(el.node.entry.Verdict.Reason))
	}
	avg := 0.0
	if len(c.entries) > 0 {
		avg = float64(totalSize) / float64(len(c.entries))
	}

	return Metrics{
		HitCount:              c.hitCount,
		MissCount:             c.missCount,
		TotalEntries:          len(c.entries),
		EvictedCount:          c.evictedCount,
		TotalMemoryUsageBytes: totalSize,
		AverageEntrySize:      avg,
	}
}

// Destroy останавливает фоновую очистку и освобождает память. После вызова
// кэш непригоден к использованию.
func (c *Cache) Destroy() {
	c.cancel()
	c.wg.Wait()
	c.Clear()
	logger.Debug("verdict cache destroyed")
}

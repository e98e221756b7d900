// Package model содержит данные, которыми обмениваются компоненты ядра
// модерации: задание сообщения, нормализованный контент, вердикт политики,
// запись кэша, бюджет тенанта, запись использования, дневной ролап и запись
// исходящего действия.
//
// Все типы здесь — чистые структуры данных. Бизнес-логика живёт в пакетах,
// которые их потребляют (policy, cache, budget, queue, outbox, rollup, worker).
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Priority определяет относительную срочность задания внутри шарда.
// Влияет только на порядок извлечения из очереди конкретного шарда.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityUrgent
)

// Metadata — контекст отправителя сообщения, не участвующий в нормализации.
type Metadata struct {
	Username  string
	FirstName string
	LastName  string
}

// MessageJob — единица работы, публикуемая в очередь. Неизменяема после
// создания: JobID вычисляется один раз и никогда не пересчитывается.
type MessageJob struct {
	ChatID    int64
	MessageID string
	UserID    int64
	Content   string
	Timestamp time.Time
	Metadata  Metadata
	Priority  Priority

	// TenantID идентифицирует владельца бюджета/политики; в однотенантных
	// развёртываниях совпадает с ChatID, приведённым к строке.
	TenantID string

	// HasLinks/IsNewUser — контекстные сигналы, нужные
	// BudgetEnforcer.getProcessingStrategy и степени деградации link_blocks
	// (длину сообщения воркер берёт из нормализованного текста).
	HasLinks  bool
	IsNewUser bool
}

// JobID возвращает стабильный идентификатор задания: "chatId:messageId".
func (j MessageJob) JobID() string {
	return fmt.Sprintf("%d:%s", j.ChatID, j.MessageID)
}

// NormalizedContent — детерминированный результат нормализации текста.
type NormalizedContent struct {
	OriginalText   string
	NormalizedText string
	URLs           []string
	Mentions       []string
	Hashtags       []string
}

// Verdict — итоговая классификация сообщения.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictReview Verdict = "review"
	VerdictBlock  Verdict = "block"
)

// PolicyVerdict — результат оценки правил (и, опционально, AI-оценки).
type PolicyVerdict struct {
	Verdict      Verdict
	Reason       string
	Scores       map[string]int
	RulesMatched []string
	Confidence   *float64
}

// TotalScore суммирует очки всех сработавших правил.
func (v PolicyVerdict) TotalScore() int {
	total := 0
	for _, s := range v.Scores {
		total += s
	}
	return total
}

// CacheEntry — запись кэша вердиктов с учётом TTL и LRU-метаданных.
type CacheEntry struct {
	Fingerprint string
	Verdict     PolicyVerdict
	InsertedAt  time.Time
	ExpiresAt   time.Time
	HitCount    int
}

// DegradeMode определяет поведение при исчерпании бюджета тенанта.
type DegradeMode string

const (
	DegradeStrictRules DegradeMode = "strict_rules"
	DegradeLinkBlocks  DegradeMode = "link_blocks"
	DegradeDisableAI   DegradeMode = "disable_ai"
)

// Budget — снимок состояния бюджета тенанта на момент fetch.
type Budget struct {
	TenantID     string
	MonthlyLimit decimal.Decimal
	DegradeMode  DegradeMode
	TotalSpent   decimal.Decimal
	ResetDate    time.Time
}

// IsExhausted — производное свойство: суммарные траты достигли лимита.
func (b Budget) IsExhausted() bool {
	return b.TotalSpent.GreaterThanOrEqual(b.MonthlyLimit)
}

// Remaining — оставшийся бюджет; никогда не отрицателен в отображении.
func (b Budget) Remaining() decimal.Decimal {
	r := b.MonthlyLimit.Sub(b.TotalSpent)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// UsageRecord — неизменяемая запись о расходе токенов/стоимости ИИ.
type UsageRecord struct {
	ID        string
	TenantID  string
	Tokens    int
	Cost      decimal.Decimal
	Model     string
	Operation string
	Timestamp time.Time
}

// DailyRollup — агрегат использования тенанта за один календарный день.
type DailyRollup struct {
	TenantID            string
	Date                string // ISO 8601, YYYY-MM-DD
	MessagesProcessed   int
	AICallsMade         int
	AICost              decimal.Decimal
	CacheHits           int
	CacheMisses         int
	AvgProcessingTimeMs float64
}

// CacheHitRate — hits/(hits+misses) с защитой от деления на ноль.
func (d DailyRollup) CacheHitRate() float64 {
	total := d.CacheHits + d.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(d.CacheHits) / float64(total)
}

// OutboxStatus — состояние записи исходящего действия.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
)

// ActionType — тип исполняемого модераторского действия.
type ActionType string

const (
	ActionDelete   ActionType = "delete"
	ActionBan      ActionType = "ban"
	ActionRestrict ActionType = "restrict"
	ActionUnban    ActionType = "unban"
	ActionSendMsg  ActionType = "sendMessage"
	ActionWarn     ActionType = "warn"
)

// ActionPayload несёт параметры, необходимые PlatformClient для выполнения
// действия. Поля, не относящиеся к ActionType, остаются нулевыми.
type ActionPayload struct {
	ChatID          int64
	MessageID       string
	UserID          int64
	Text            string
	RestrictSeconds int
}

// OutboxEntry — запись durable-ledger исходящих действий.
type OutboxEntry struct {
	ID          string
	ChatID      int64
	MessageID   string
	ActionType  ActionType
	Payload     ActionPayload
	Status      OutboxStatus
	RetryCount  int
	CreatedAt   time.Time
	ProcessedAt *time.Time
	LastError   string
}

// OutboxID вычисляет идентификатор вида "chatId:messageId:actionType".
func OutboxID(chatID int64, messageID string, actionType ActionType) string {
	return fmt.Sprintf("%d:%s:%s", chatID, messageID, actionType)
}

// Clone возвращает глубокую копию, безопасную для независимой мутации.
func (e OutboxEntry) Clone() OutboxEntry {
	clone := e
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		clone.ProcessedAt = &t
	}
	return clone
}

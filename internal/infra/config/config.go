// Package config отвечает за сбор и предоставление конфигурации всего
// приложения (ядра модерации). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. предоставляет потокобезопасный доступ к результатам через R/W мьютекс.
//
// Разделы конфигурации соответствуют подсистемам ядра: очередь сообщений
// (Queue), кеш вердиктов (Cache), бюджет тенантов (Budget), исходящий
// платформенный клиент (Platform), ежедневные rollup'ы использования
// (Rollup) и общие параметры приложения (App).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"moderation-core/internal/domain/queue"
	"moderation-core/internal/infra/timeutil"
)

// QueueConfig section.
type QueueConfig struct {
	PartitionCount         int
	Concurrency            int
	MaxConcurrencyPerShard int
	HighWatermark          int
	ShardRatePerSecond     int
}

func (q QueueConfig) toDomain() queue.Config {
	return queue.Config{
		PartitionCount:         q.PartitionCount,
		Concurrency:            q.Concurrency,
		MaxConcurrencyPerShard: q.MaxConcurrencyPerShard,
		HighWatermark:          q.HighWatermark,
		ShardRatePerSecond:     q.ShardRatePerSecond,
	}
}

// CacheConfig section.
type CacheConfig struct {
	TTL             time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// BudgetConfig section.
type BudgetConfig struct {
	SnapshotTTL time.Duration

	// StoreBaseURL points at the external tenant-budget service exposing
	// GET /tenants/{id}/budget and POST /tenants/{id}/usage.
	StoreBaseURL    string
	StoreMaxElapsed time.Duration
}

// PlatformConfig section.
type PlatformConfig struct {
	BotToken                string
	APIURL                  string
	MaxRetries              int
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerResetTime time.Duration
	RequestsPerSecond       int
}

// RollupConfig section.
type RollupConfig struct {
	RetentionDays int
}

// IngressConfig section — MTProto credentials for the message intake bridge.
// Distinct from Platform (outbound Bot API calls): ingress reads a user/bot
// account's event stream, Platform dispatches outbox actions.
type IngressConfig struct {
	APIID       int
	APIHash     string
	BotToken    string
	SessionFile string
	StateFile   string
	PeersDBFile string
	TestDC      bool
}

// AppConfig general application settings.
type AppConfig struct {
	LogLevel     string
	AppTimezone  string
	DataDir      string
	OpenAIAPIKey string
	OpenAIModel  string
}

// EnvConfig is the full set of parsed sections.
type EnvConfig struct {
	App      AppConfig
	Queue    QueueConfig
	Cache    CacheConfig
	Budget   BudgetConfig
	Platform PlatformConfig
	Rollup   RollupConfig
	Ingress  IngressConfig
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

const (
	defaultLogLevel              = "info"
	defaultAppTimezone           = "UTC"
	defaultDataDir               = "data"
	defaultOpenAIModel           = "gpt-4o-mini"
	defaultPartitions            = 8
	defaultConcurrency           = 32
	defaultHighWatermark         = 5000
	defaultCacheTTLSec           = 300
	defaultCacheMax              = 10000
	defaultCleanupSec            = 60
	defaultBudgetTTLSec          = 30
	defaultBudgetStoreElapsedSec = 10
	defaultMaxRetries            = 3
	defaultBaseDelayMS           = 500
	defaultMaxDelaySec           = 30
	defaultBreakerThresh         = 5
	defaultBreakerResetS         = 30
	defaultRPS                   = 25
	defaultRetentionDays         = 90
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации приложения.
// Повторный вызов запрещён (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки
// глобального состояния — удобно для тестов.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	} else {
		_ = godotenv.Load() // best-effort, absence of .env is fine outside dev
	}

	var warnings []string

	app := AppConfig{
		LogLevel:     sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings),
		AppTimezone:  sanitizeTimezone(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings),
		DataDir:      sanitizeString("DATA_DIR", os.Getenv("DATA_DIR"), defaultDataDir, &warnings),
		OpenAIAPIKey: strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:  sanitizeString("OPENAI_MODEL", os.Getenv("OPENAI_MODEL"), defaultOpenAIModel, &warnings),
	}

	q := QueueConfig{
		PartitionCount:         parseIntDefault("QUEUE_PARTITION_COUNT", defaultPartitions, greaterThanZero, &warnings),
		Concurrency:            parseIntDefault("QUEUE_CONCURRENCY", defaultConcurrency, greaterThanZero, &warnings),
		MaxConcurrencyPerShard: parseIntDefault("QUEUE_MAX_CONCURRENCY_PER_SHARD", 0, nonNegative, &warnings),
		HighWatermark:          parseIntDefault("QUEUE_HIGH_WATERMARK", defaultHighWatermark, nonNegative, &warnings),
		ShardRatePerSecond:     parseIntDefault("QUEUE_SHARD_RATE_PER_SECOND", 0, nonNegative, &warnings),
	}
	if err := q.toDomain().Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue configuration: %w", err)
	}

	c := CacheConfig{
		TTL:             time.Duration(parseIntDefault("CACHE_TTL_SEC", defaultCacheTTLSec, greaterThanZero, &warnings)) * time.Second,
		MaxEntries:      parseIntDefault("CACHE_MAX_ENTRIES", defaultCacheMax, greaterThanZero, &warnings),
		CleanupInterval: time.Duration(parseIntDefault("CACHE_CLEANUP_INTERVAL_SEC", defaultCleanupSec, greaterThanZero, &warnings)) * time.Second,
	}

	b := BudgetConfig{
		SnapshotTTL:     time.Duration(parseIntDefault("BUDGET_SNAPSHOT_TTL_SEC", defaultBudgetTTLSec, greaterThanZero, &warnings)) * time.Second,
		StoreBaseURL:    strings.TrimSpace(os.Getenv("BUDGET_STORE_URL")),
		StoreMaxElapsed: time.Duration(parseIntDefault("BUDGET_STORE_MAX_ELAPSED_SEC", defaultBudgetStoreElapsedSec, greaterThanZero, &warnings)) * time.Second,
	}
	if b.StoreBaseURL == "" {
		appendWarningf(&warnings, "env BUDGET_STORE_URL is not set; budget enforcement will treat tenants as unavailable and degrade open")
	}

	p := PlatformConfig{
		BotToken:                strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		APIURL:                  strings.TrimSpace(os.Getenv("PLATFORM_API_URL")),
		MaxRetries:              parseIntDefault("PLATFORM_MAX_RETRIES", defaultMaxRetries, nonNegative, &warnings),
		BaseDelay:               time.Duration(parseIntDefault("PLATFORM_BASE_DELAY_MS", defaultBaseDelayMS, greaterThanZero, &warnings)) * time.Millisecond,
		MaxDelay:                time.Duration(parseIntDefault("PLATFORM_MAX_DELAY_SEC", defaultMaxDelaySec, greaterThanZero, &warnings)) * time.Second,
		CircuitBreakerThreshold: parseIntDefault("PLATFORM_BREAKER_THRESHOLD", defaultBreakerThresh, greaterThanZero, &warnings),
		CircuitBreakerResetTime: time.Duration(parseIntDefault("PLATFORM_BREAKER_RESET_SEC", defaultBreakerResetS, greaterThanZero, &warnings)) * time.Second,
		RequestsPerSecond:       parseIntDefault("PLATFORM_RPS", defaultRPS, greaterThanZero, &warnings),
	}
	if p.BotToken == "" {
		appendWarningf(&warnings, "env BOT_TOKEN is not set; platform client will be unable to authenticate")
	}

	r := RollupConfig{
		RetentionDays: parseIntDefault("ROLLUP_RETENTION_DAYS", defaultRetentionDays, greaterThanZero, &warnings),
	}

	i := IngressConfig{
		APIID:       parseIntDefault("TELEGRAM_API_ID", 0, nonNegative, &warnings),
		APIHash:     strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH")),
		BotToken:    strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		SessionFile: sanitizeString("TELEGRAM_SESSION_FILE", os.Getenv("TELEGRAM_SESSION_FILE"), defaultDataDir+"/session.json", &warnings),
		StateFile:   sanitizeString("TELEGRAM_STATE_FILE", os.Getenv("TELEGRAM_STATE_FILE"), defaultDataDir+"/state.json", &warnings),
		PeersDBFile: sanitizeString("TELEGRAM_PEERS_DB_FILE", os.Getenv("TELEGRAM_PEERS_DB_FILE"), defaultDataDir+"/peers.db", &warnings),
		TestDC:      strings.EqualFold(strings.TrimSpace(os.Getenv("TELEGRAM_TEST_DC")), "true"),
	}
	if i.APIID == 0 || i.APIHash == "" {
		appendWarningf(&warnings, "env TELEGRAM_API_ID/TELEGRAM_API_HASH is not set; ingress bridge will be unable to authenticate")
	}

	return &Config{
		Env: EnvConfig{
			App:      app,
			Queue:    q,
			Cache:    c,
			Budget:   b,
			Platform: p,
			Rollup:   r,
			Ingress:  i,
		},
		warnings: warnings,
	}, nil
}

// Warnings возвращает накопленные предупреждения (копия).
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	out := make([]string, len(cfgInstance.warnings))
	copy(out, cfgInstance.warnings)
	return out
}

// Env возвращает EnvConfig из глобального singleton.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

func sanitizeTimezone(value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}

func sanitizeString(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

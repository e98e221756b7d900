// Package platform реализует TelegramClient: rate-limited, retrying,
// circuit-broken клиент к Telegram Bot API, реализующий
// domain/outbox.Dispatcher. Транспорт и классификация ошибок (429/4xx/5xx,
// retry_after) унаследованы от adapters/botapi/notifier.BotSender; цикл
// повторов делегирован infra/throttle.Throttler вместо ручной реализации.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/infra/throttle"
)

// Config mirrors the PlatformClient configuration named in §6.
type Config struct {
	BotToken                string
	APIURL                  string // optional override, defaults to api.telegram.org
	MaxRetries              int
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerResetTime time.Duration
	RequestsPerSecond       int
}

// permanentError wraps a non-retryable client error (400/401/403), surfaced
// immediately as "HTTP <code>: <reason>".
type permanentError struct {
	code   int
	reason string
}

func (e *permanentError) Error() string    { return fmt.Sprintf("HTTP %d: %s", e.code, e.reason) }
func (e *permanentError) StopRetry() bool  { return true }
func (e *permanentError) Retryable() bool  { return false }

// circuitOpenError is returned immediately when the breaker is open. It is
// retryable from the outbox's point of view (§7: "outbox keeps entry
// pending; next retry after reset window").
type circuitOpenError struct{}

func (*circuitOpenError) Error() string   { return "CircuitOpen" }
func (*circuitOpenError) Retryable() bool { return true }

// Metrics is the getMetrics() snapshot.
type Metrics struct {
	TotalCalls  int64
	ErrorCount  int64
	SuccessRate float64
	BreakerState string
	BreakerFailures int
}

// Client implements apiCall plus convenience wrappers over the Telegram Bot
// API, and dispatches OutboxEntry actions by mapping ActionType to them.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	breaker *circuitBreaker
	limiter *throttle.Throttler

	totalCalls int64
	errorCount int64

	mu sync.Mutex
}

// New constructs a Client and starts its internal rate limiter. Call
// Close when the client is no longer needed.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 25
	}

	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}

	c := &Client{
		cfg:     cfg,
		baseURL: fmt.Sprintf("%s/bot%s", strings.TrimSuffix(apiURL, "/"), cfg.BotToken),
		http:    &http.Client{Timeout: 15 * time.Second},
		breaker: newCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerResetTime),
		limiter: throttle.New(cfg.RequestsPerSecond,
			throttle.WithMaxRetries(cfg.MaxRetries),
			throttle.WithBackoff(cfg.BaseDelay, cfg.MaxDelay),
			throttle.WithWaitExtractors(retryAfterExtractor),
		),
	}
	c.limiter.Start(context.Background())
	return c
}

// Close releases the internal rate limiter's background goroutine.
func (c *Client) Close() { c.limiter.Stop() }

// retryAfterExtractor recognizes *rateLimitedError and extracts the
// server-provided delay as a throttle.WaitExtractor.
func retryAfterExtractor(err error) (time.Duration, bool) {
	var rl *rateLimitedError
	if errors.As(err, &rl) {
		return rl.retryAfter, true
	}
	return 0, false
}

type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string { return fmt.Sprintf("rate limited, retry after %s", e.retryAfter) }

// apiCall performs one Telegram Bot API method call with params, honoring
// the circuit breaker and the throttler's retry/backoff policy.
func (c *Client) apiCall(ctx context.Context, method string, params url.Values) error {
	if !c.breaker.allow() {
		atomic.AddInt64(&c.errorCount, 1)
		return &circuitOpenError{}
	}

	err := c.limiter.Do(ctx, func() error {
		return c.performCall(ctx, method, params)
	})

	atomic.AddInt64(&c.totalCalls, 1)
	if err != nil {
		atomic.AddInt64(&c.errorCount, 1)
		c.breaker.recordFailure()
		return err
	}
	c.breaker.recordSuccess()
	return nil
}

func (c *Client) performCall(ctx context.Context, method string, params url.Values) error {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err) // network error: retryable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	return classifyResponse(resp.StatusCode, body)
}

// botAPIResponse mirrors Telegram Bot API's JSON envelope.
type botAPIResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func classifyResponse(statusCode int, body []byte) error {
	if statusCode == http.StatusTooManyRequests {
		return &rateLimitedError{retryAfter: parseRetryAfter(body)}
	}
	if statusCode >= 500 {
		return fmt.Errorf("HTTP %d: server error", statusCode) // retryable
	}
	if statusCode == http.StatusBadRequest || statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return &permanentError{code: statusCode, reason: reasonFromBody(body)}
	}
	if statusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", statusCode, reasonFromBody(body))
	}

	var decoded botAPIResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil // 2xx with unparseable body still counts as delivered
	}
	if decoded.OK {
		return nil
	}
	if decoded.ErrorCode == http.StatusTooManyRequests {
		return &rateLimitedError{retryAfter: time.Duration(decoded.Parameters.RetryAfter) * time.Second}
	}
	if decoded.ErrorCode >= 400 && decoded.ErrorCode < 500 {
		return &permanentError{code: decoded.ErrorCode, reason: decoded.Description}
	}
	return fmt.Errorf("telegram API error %d: %s", decoded.ErrorCode, decoded.Description)
}

func reasonFromBody(body []byte) string {
	var decoded botAPIResponse
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Description != "" {
		return decoded.Description
	}
	return strings.TrimSpace(string(body))
}

func parseRetryAfter(body []byte) time.Duration {
	var decoded botAPIResponse
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Parameters.RetryAfter > 0 {
		return time.Duration(decoded.Parameters.RetryAfter) * time.Second
	}
	return 5 * time.Second
}

// SendMessage posts a text message to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	v := url.Values{"chat_id": {strconv.FormatInt(chatID, 10)}, "text": {text}}
	return c.apiCall(ctx, "sendMessage", v)
}

// DeleteMessage removes messageID from chatID.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID string) error {
	v := url.Values{"chat_id": {strconv.FormatInt(chatID, 10)}, "message_id": {messageID}}
	return c.apiCall(ctx, "deleteMessage", v)
}

// BanChatMember permanently removes userID from chatID.
func (c *Client) BanChatMember(ctx context.Context, chatID, userID int64) error {
	v := url.Values{"chat_id": {strconv.FormatInt(chatID, 10)}, "user_id": {strconv.FormatInt(userID, 10)}}
	return c.apiCall(ctx, "banChatMember", v)
}

// RestrictChatMember mutes userID in chatID for the given duration (0 means
// until manually lifted).
func (c *Client) RestrictChatMember(ctx context.Context, chatID, userID int64, until time.Duration) error {
	v := url.Values{"chat_id": {strconv.FormatInt(chatID, 10)}, "user_id": {strconv.FormatInt(userID, 10)}}
	if until > 0 {
		v.Set("until_date", strconv.FormatInt(time.Now().Add(until).Unix(), 10))
	}
	return c.apiCall(ctx, "restrictChatMember", v)
}

// UnbanChatMember lifts a ban on userID in chatID.
func (c *Client) UnbanChatMember(ctx context.Context, chatID, userID int64) error {
	v := url.Values{"chat_id": {strconv.FormatInt(chatID, 10)}, "user_id": {strconv.FormatInt(userID, 10)}}
	return c.apiCall(ctx, "unbanChatMember", v)
}

// Dispatch implements outbox.Dispatcher, mapping an OutboxEntry's
// ActionType to the matching convenience wrapper.
func (c *Client) Dispatch(ctx context.Context, entry model.OutboxEntry) error {
	p := entry.Payload
	switch entry.ActionType {
	case model.ActionDelete:
		return c.DeleteMessage(ctx, p.ChatID, p.MessageID)
	case model.ActionBan:
		return c.BanChatMember(ctx, p.ChatID, p.UserID)
	case model.ActionRestrict:
		return c.RestrictChatMember(ctx, p.ChatID, p.UserID, time.Duration(p.RestrictSeconds)*time.Second)
	case model.ActionUnban:
		return c.UnbanChatMember(ctx, p.ChatID, p.UserID)
	case model.ActionSendMsg, model.ActionWarn:
		return c.SendMessage(ctx, p.ChatID, p.Text)
	default:
		return &permanentError{code: 400, reason: "unknown action type: " + string(entry.ActionType)}
	}
}

// GetMetrics returns totalCalls/errorCount/successRate plus breaker state.
func (c *Client) GetMetrics() Metrics {
	total := atomic.LoadInt64(&c.totalCalls)
	errs := atomic.LoadInt64(&c.errorCount)
	successRate := 1.0
	if total > 0 {
		successRate = float64(total-errs) / float64(total)
	}
	state, failures := c.breaker.snapshot()
	return Metrics{TotalCalls: total, ErrorCount: errs, SuccessRate: successRate, BreakerState: state, BreakerFailures: failures}
}

// ResetMetrics clears call counters and the circuit breaker state.
func (c *Client) ResetMetrics() {
	atomic.StoreInt64(&c.totalCalls, 0)
	atomic.StoreInt64(&c.errorCount, 0)
	c.breaker.reset()
}


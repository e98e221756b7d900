// Package budgetstore реализует domain/budget.Store как HTTP-RPC клиент к
// внешнему сервису бюджетов тенантов. Ретраи на транспортных ошибках
// используют github.com/cenkalti/backoff/v4 вместо ручного цикла — тот же
// выбор библиотеки, что и в остальном стеке ретраев проекта, здесь
// применённый к конкретно этой внешней интеграции вместо
// infra/throttle.Throttler (тут нет нужды в постоянном rate-limit, только в
// ретраях отдельного запроса).
package budgetstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"moderation-core/internal/domain/model"
)

// Client implements budget.Store against a base URL exposing
// GET  /tenants/{tenantId}/budget
// POST /tenants/{tenantId}/usage
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxElapsed time.Duration
}

// New constructs a Client. maxElapsed bounds the total retry budget for one
// call (default 10s).
func New(baseURL string, httpClient *http.Client, maxElapsed time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if maxElapsed <= 0 {
		maxElapsed = 10 * time.Second
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient, maxElapsed: maxElapsed}
}

type budgetDTO struct {
	TenantID     string `json:"tenantId"`
	MonthlyLimit string `json:"monthlyLimit"`
	DegradeMode  string `json:"degradeMode"`
	TotalSpent   string `json:"totalSpent"`
	ResetDate    string `json:"resetDate"`
}

// Fetch implements budget.Store.Fetch.
func (c *Client) Fetch(ctx context.Context, tenantID string) (model.Budget, error) {
	url := fmt.Sprintf("%s/tenants/%s/budget", c.baseURL, tenantID)

	var dto budgetDTO
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network error: retryable
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("budgetstore: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("budgetstore: HTTP %d: %s", resp.StatusCode, string(body)))
		}
		return json.NewDecoder(resp.Body).Decode(&dto)
	})
	if err != nil {
		return model.Budget{}, err
	}

	limit, _ := decimal.NewFromString(dto.MonthlyLimit)
	spent, _ := decimal.NewFromString(dto.TotalSpent)
	resetDate, _ := time.Parse(time.RFC3339, dto.ResetDate)

	return model.Budget{
		TenantID:     tenantID,
		MonthlyLimit: limit,
		DegradeMode:  model.DegradeMode(dto.DegradeMode),
		TotalSpent:   spent,
		ResetDate:    resetDate,
	}, nil
}

type usageDTO struct {
	Tokens    int    `json:"tokens"`
	Cost      string `json:"cost"`
	Model     string `json:"model"`
	Operation string `json:"operation"`
	Timestamp string `json:"timestamp"`
}

// RecordUsage implements budget.Store.RecordUsage.
func (c *Client) RecordUsage(ctx context.Context, tenantID string, usage model.UsageRecord) error {
	url := fmt.Sprintf("%s/tenants/%s/usage", c.baseURL, tenantID)

	payload, err := json.Marshal(usageDTO{
		Tokens:    usage.Tokens,
		Cost:      usage.Cost.String(),
		Model:     usage.Model,
		Operation: usage.Operation,
		Timestamp: usage.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("budgetstore: encode usage: %w", err)
	}

	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("budgetstore: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("budgetstore: HTTP %d: %s", resp.StatusCode, string(body)))
		}
		return nil
	})
}

func (c *Client) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxElapsedTime(backoff.NewExponentialBackOff(), c.maxElapsed), ctx)
	return backoff.Retry(op, b)
}

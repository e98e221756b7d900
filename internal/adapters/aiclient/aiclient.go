// Package aiclient реализует worker.AIClient поверх go-openai: один chat
// completion-запрос, просящий модель вернуть вероятность спама, с разбором
// стоимости по объявленной цене за токен модели.
package aiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/domain/worker"
)

const systemPrompt = `You are a spam/abuse classifier for chat messages. Given a message, respond with strict JSON {"spam_score": <float 0..1>} and nothing else.`

// PricePerThousandTokens maps a model name to its USD price per 1000 total
// tokens. Unknown models fall back to defaultPricePerThousand.
var PricePerThousandTokens = map[string]decimal.Decimal{
	openai.GPT4oMini: decimal.NewFromFloat(0.00015),
	openai.GPT4o:     decimal.NewFromFloat(0.0025),
}

var defaultPricePerThousand = decimal.NewFromFloat(0.0005)

// Client implements worker.AIClient against the OpenAI chat completions API.
type Client struct {
	api   *openai.Client
	model string
}

// New constructs a Client for apiKey, scoring with modelName.
func New(apiKey, modelName string) *Client {
	if modelName == "" {
		modelName = openai.GPT4oMini
	}
	return &Client{api: openai.NewClient(apiKey), model: modelName}
}

type scoreResponse struct {
	SpamScore float64 `json:"spam_score"`
}

// Score implements worker.AIClient.Score.
func (c *Client) Score(ctx context.Context, content model.NormalizedContent) (worker.AIScore, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: content.NormalizedText},
		},
		Temperature: 0,
	})
	if err != nil {
		return worker.AIScore{}, fmt.Errorf("aiclient: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return worker.AIScore{}, fmt.Errorf("aiclient: empty completion response")
	}

	var parsed scoreResponse
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return worker.AIScore{}, fmt.Errorf("aiclient: parse spam_score from %q: %w", raw, err)
	}
	if parsed.SpamScore < 0 {
		parsed.SpamScore = 0
	}
	if parsed.SpamScore > 1 {
		parsed.SpamScore = 1
	}

	totalTokens := resp.Usage.TotalTokens
	price, ok := PricePerThousandTokens[c.model]
	if !ok {
		price = defaultPricePerThousand
	}
	cost := price.Mul(decimal.NewFromInt(int64(totalTokens))).Div(decimal.NewFromInt(1000))

	return worker.AIScore{
		SpamScore: parsed.SpamScore,
		Tokens:    totalTokens,
		Cost:      cost,
		Model:     c.model,
	}, nil
}

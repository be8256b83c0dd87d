// Package openai implements the guardian.Provider adapter for the OpenAI
// chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	guardian "github.com/llm-guardian/guardian/internal"
	"github.com/llm-guardian/guardian/internal/provider"
	"github.com/llm-guardian/guardian/internal/tokencount"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// pricing is USD per million tokens, input/output.
var pricing = map[string][2]float64{
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-4":         {30.00, 60.00},
	"gpt-3.5-turbo": {0.50, 1.50},
}

// lowestTier prices unknown models.
const lowestTier = "gpt-3.5-turbo"

var _ guardian.Provider = (*Client)(nil)

// Client is an OpenAI provider adapter.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client

	now func() time.Time
}

// New creates an OpenAI Client. If baseURL is empty it defaults to the
// public API.
func New(apiKey, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		now:     time.Now,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

type chatRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generate sends a chat completion request and returns the measured response.
func (c *Client) Generate(ctx context.Context, reqCtx *guardian.RequestContext, model string) (*guardian.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		MaxTokens:   reqCtx.MaxTokens,
		Temperature: reqCtx.Temperature,
		Messages:    []chatMessage{{Role: "user", Content: reqCtx.Prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := c.now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransportError(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	latencyMS := float64(c.now().Sub(start)) / float64(time.Millisecond)

	text := gjson.GetBytes(raw, "choices.0.message.content").String()
	promptTokens := int(gjson.GetBytes(raw, "usage.prompt_tokens").Int())
	completionTokens := int(gjson.GetBytes(raw, "usage.completion_tokens").Int())
	if promptTokens == 0 && completionTokens == 0 {
		// Some gateways strip usage; estimate so cost accounting still works.
		promptTokens = tokencount.EstimatePrompt(reqCtx.Prompt)
		completionTokens = tokencount.Estimate(text)
	}

	return &guardian.Response{
		RequestID:    reqCtx.RequestID,
		ResponseText: text,
		LatencyMS:    latencyMS,
		TokensUsed:   promptTokens + completionTokens,
		CostUSD:      c.EstimateCost(promptTokens, completionTokens, model),
		Provider:     providerName,
		Model:        model,
		RawResponse:  raw,
		Timestamp:    c.now().UTC(),
	}, nil
}

// EstimateCost returns the USD cost for the given token usage. Unknown
// models price at the lowest tier.
func (c *Client) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	rates, ok := pricing[model]
	if !ok {
		rates = pricing[lowestTier]
	}
	return float64(promptTokens)/1_000_000*rates[0] + float64(completionTokens)/1_000_000*rates[1]
}

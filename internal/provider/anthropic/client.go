// Package anthropic implements the guardian.Provider adapter for the
// Anthropic messages API.
package anthropic

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
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	providerName   = "anthropic"
)

// pricing is USD per million tokens, input/output.
var pricing = map[string][2]float64{
	"claude-3-5-sonnet-20241022": {3.00, 15.00},
	"claude-3-5-haiku-20241022":  {0.80, 4.00},
	"claude-3-opus-20240229":     {15.00, 75.00},
}

// lowestTier prices unknown models.
const lowestTier = "claude-3-5-haiku-20241022"

var _ guardian.Provider = (*Client)(nil)

// Client is an Anthropic provider adapter.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client

	now func() time.Time
}

// New creates an Anthropic Client. If baseURL is empty it defaults to the
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

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generate sends a messages request and returns the measured response.
func (c *Client) Generate(ctx context.Context, reqCtx *guardian.RequestContext, model string) (*guardian.Response, error) {
	body, err := json.Marshal(messagesRequest{
		Model:       model,
		MaxTokens:   reqCtx.MaxTokens,
		Temperature: reqCtx.Temperature,
		Messages:    []message{{Role: "user", Content: reqCtx.Prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	latencyMS := float64(c.now().Sub(start)) / float64(time.Millisecond)

	text := gjson.GetBytes(raw, "content.0.text").String()
	inputTokens := int(gjson.GetBytes(raw, "usage.input_tokens").Int())
	outputTokens := int(gjson.GetBytes(raw, "usage.output_tokens").Int())
	if inputTokens == 0 && outputTokens == 0 {
		// Some gateways strip usage; estimate so cost accounting still works.
		inputTokens = tokencount.EstimatePrompt(reqCtx.Prompt)
		outputTokens = tokencount.Estimate(text)
	}

	return &guardian.Response{
		RequestID:    reqCtx.RequestID,
		ResponseText: text,
		LatencyMS:    latencyMS,
		TokensUsed:   inputTokens + outputTokens,
		CostUSD:      c.EstimateCost(inputTokens, outputTokens, model),
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

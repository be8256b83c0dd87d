// Package testutil provides configurable test fakes for guardian interfaces.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// FakeProvider is a configurable, call-counting guardian.Provider for tests.
// With no GenerateFn it returns a clean, benign response.
type FakeProvider struct {
	ProviderName string
	GenerateFn   func(ctx context.Context, reqCtx *guardian.RequestContext, model string) (*guardian.Response, error)
	CostFn       func(promptTokens, completionTokens int, model string) float64

	mu    sync.Mutex
	calls int
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// Generate delegates to GenerateFn or returns a default clean response.
func (f *FakeProvider) Generate(ctx context.Context, reqCtx *guardian.RequestContext, model string) (*guardian.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.GenerateFn != nil {
		return f.GenerateFn(ctx, reqCtx, model)
	}
	return CleanResponse(reqCtx, f.ProviderName, model), nil
}

// EstimateCost delegates to CostFn or returns zero.
func (f *FakeProvider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	if f.CostFn != nil {
		return f.CostFn(promptTokens, completionTokens, model)
	}
	return 0
}

// Calls returns how many times Generate was invoked.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// CleanResponse builds a benign response that passes every quality heuristic:
// long enough, no hedging or unsafe language, on any plausible topic.
func CleanResponse(reqCtx *guardian.RequestContext, providerName, model string) *guardian.Response {
	return &guardian.Response{
		RequestID: reqCtx.RequestID,
		ResponseText: "The process works in three stages. First the input is parsed " +
			"into tokens, then each token is scored against the configured rules, " +
			"and finally the results are combined into a single report for review.",
		LatencyMS:   120,
		TokensUsed:  64,
		CostUSD:     0.002,
		Provider:    providerName,
		Model:       model,
		RawResponse: json.RawMessage(`{"usage": {"prompt_tokens": 24, "completion_tokens": 40}}`),
		Timestamp:   time.Now().UTC(),
	}
}

// Request builds a valid RequestContext for tests.
func Request(requestID string) *guardian.RequestContext {
	return &guardian.RequestContext{
		RequestID:   requestID,
		Timestamp:   time.Now().UTC(),
		UserID:      "test-user",
		SessionID:   "test-session",
		Prompt:      "Explain how the process works and how the results are combined into a report.",
		MaxTokens:   256,
		Temperature: 0.7,
	}
}

package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	guardian "github.com/llm-guardian/guardian/internal"
)

type stubProvider struct {
	name string
}

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Generate(context.Context, *guardian.RequestContext, string) (*guardian.Response, error) {
	return &guardian.Response{}, nil
}
func (s stubProvider) EstimateCost(int, int, string) float64 { return 0 }

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(stubProvider{name: "openai"})
	r.Register(stubProvider{name: "anthropic"})

	p, err := r.Get("openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name = %q, want openai", p.Name())
	}

	_, err = r.Get("missing")
	if !errors.Is(err, guardian.ErrUnsupportedProvider) {
		t.Fatalf("err = %v, want ErrUnsupportedProvider", err)
	}

	names := r.List()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "openai" {
		t.Errorf("List = %v, want sorted [anthropic openai]", names)
	}
}

func TestAPIErrorClassification(t *testing.T) {
	t.Parallel()

	rateLimited := &APIError{Provider: "openai", StatusCode: http.StatusTooManyRequests, Body: "slow down"}
	if !errors.Is(rateLimited, guardian.ErrProviderRateLimit) {
		t.Error("429 should classify as provider rate limit")
	}

	serverErr := &APIError{Provider: "openai", StatusCode: http.StatusInternalServerError, Body: "boom"}
	if !errors.Is(serverErr, guardian.ErrProviderAPI) {
		t.Error("500 should classify as provider api error")
	}
	if errors.Is(serverErr, guardian.ErrProviderRateLimit) {
		t.Error("500 must not classify as rate limit")
	}
	if !strings.Contains(serverErr.Error(), "HTTP 500") {
		t.Errorf("Error() = %q, want status in message", serverErr.Error())
	}
}

func TestParseAPIErrorLimitsBody(t *testing.T) {
	t.Parallel()

	resp := &http.Response{
		StatusCode: http.StatusBadRequest,
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", 10_000))),
	}
	err := ParseAPIError("openai", resp)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T, want *APIError", err)
	}
	if len(apiErr.Body) != 4096 {
		t.Errorf("Body length = %d, want 4096", len(apiErr.Body))
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyTransportError(t *testing.T) {
	t.Parallel()

	if got := ClassifyTransportError("openai", nil); got != nil {
		t.Errorf("nil error should stay nil, got %v", got)
	}

	err := ClassifyTransportError("openai", timeoutError{})
	if !errors.Is(err, guardian.ErrProviderTimeout) {
		t.Errorf("net timeout should classify as provider timeout, got %v", err)
	}

	err = ClassifyTransportError("openai", context.DeadlineExceeded)
	if !errors.Is(err, guardian.ErrProviderTimeout) {
		t.Errorf("deadline should classify as provider timeout, got %v", err)
	}

	err = ClassifyTransportError("openai", context.Canceled)
	if !errors.Is(err, context.Canceled) || errors.Is(err, guardian.ErrProviderTimeout) {
		t.Errorf("cancellation must pass through, got %v", err)
	}

	err = ClassifyTransportError("openai", errors.New("connection refused"))
	if !errors.Is(err, guardian.ErrProviderAPI) {
		t.Errorf("generic transport error should classify as provider api, got %v", err)
	}
}

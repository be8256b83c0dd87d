package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	guardian "github.com/llm-guardian/guardian/internal"
)

// APIError represents an error response from an upstream LLM provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Unwrap classifies the status into the retryability sentinels: 429 is a
// provider rate limit (retryable), everything else is a plain API error.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return guardian.ErrProviderRateLimit
	}
	return guardian.ErrProviderAPI
}

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}

// ClassifyTransportError maps an http.Client error to the domain taxonomy.
// Timeouts (client timeout, deadline, net.Error timeouts) become provider
// timeouts so the retry controller treats them as transient; caller
// cancellation passes through untouched.
func ClassifyTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %v", provider, guardian.ErrProviderTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", provider, guardian.ErrProviderAPI, err)
}

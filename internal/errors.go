package guardian

import "errors"

// Sentinel errors for the guardian domain. Components wrap these with
// fmt.Errorf("...: %w", ...) or typed errors so errors.Is drives
// classification at the orchestrator boundary.
var (
	// Validation
	ErrInvalidContext  = errors.New("invalid request context")
	ErrValidation      = errors.New("validation failed")
	ErrPromptInjection = errors.New("prompt injection detected")
	ErrContentPolicy   = errors.New("content policy violation")

	// Admission
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrSessionBudget  = errors.New("session budget exceeded")
	ErrBudgetExceeded = errors.New("request budget exceeded")

	// Circuit / retry
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// Provider
	ErrProviderTimeout   = errors.New("provider timeout")
	ErrProviderRateLimit = errors.New("provider rate limited")
	ErrProviderAPI       = errors.New("provider api error")

	// Monitoring
	ErrQualityCheckFailed = errors.New("quality check failed")
	ErrHallucination      = errors.New("hallucination detected")
	ErrOffTask            = errors.New("off-task response")

	// Recovery / config
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrCheckpointLoad      = errors.New("checkpoint load failed")
	ErrCheckpointSave      = errors.New("checkpoint save failed")
	ErrMissingAPIKey       = errors.New("no provider api key configured")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// kindTable maps sentinels to audit-facing kind names. Order matters: the
// most specific sentinel must come before anything it wraps.
var kindTable = []struct {
	err  error
	name string
}{
	{ErrPromptInjection, "PromptInjectionError"},
	{ErrContentPolicy, "ContentPolicyViolationError"},
	{ErrInvalidContext, "ValidationError"},
	{ErrValidation, "ValidationError"},
	{ErrSessionBudget, "SessionBudgetExceededError"},
	{ErrBudgetExceeded, "BudgetExceededError"},
	{ErrQuotaExceeded, "QuotaExceededError"},
	{ErrRateLimited, "RateLimitExceededError"},
	{ErrCircuitOpen, "CircuitBreakerOpenError"},
	{ErrRetryExhausted, "RetryExhaustedError"},
	{ErrProviderTimeout, "ProviderTimeoutError"},
	{ErrProviderRateLimit, "ProviderRateLimitError"},
	{ErrProviderAPI, "ProviderAPIError"},
	{ErrHallucination, "HallucinationDetectedError"},
	{ErrOffTask, "OffTaskResponseError"},
	{ErrQualityCheckFailed, "QualityCheckFailedError"},
	{ErrCheckpointNotFound, "CheckpointNotFoundError"},
	{ErrCheckpointLoad, "CheckpointLoadError"},
	{ErrCheckpointSave, "CheckpointSaveError"},
	{ErrMissingAPIKey, "MissingAPIKeyError"},
	{ErrUnsupportedProvider, "UnsupportedProviderError"},
}

// ErrorKind returns the audit-facing kind name for an error chain, or
// "InternalError" when no sentinel matches.
func ErrorKind(err error) string {
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "InternalError"
}

// FallbackError wraps a primary failure together with the error from the
// failed fallback attempt. The primary error is the surfaced cause.
type FallbackError struct {
	Primary  error
	Fallback error
}

// Error formats the primary error with the fallback error attached.
func (e *FallbackError) Error() string {
	return e.Primary.Error() + " (fallback failed: " + e.Fallback.Error() + ")"
}

// Unwrap exposes both errors to errors.Is / errors.As.
func (e *FallbackError) Unwrap() []error { return []error{e.Primary, e.Fallback} }

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	guardian "github.com/llm-guardian/guardian/internal"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(kind, msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = kind
	return e
}

// errorStatus maps guardian sentinels to HTTP status codes. Safety rejections
// are 422 (the request was well-formed but refused), admission rejections 429,
// an open breaker 503, and upstream failures 502.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, guardian.ErrInvalidContext), errors.Is(err, guardian.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, guardian.ErrPromptInjection), errors.Is(err, guardian.ErrContentPolicy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, guardian.ErrRateLimited),
		errors.Is(err, guardian.ErrQuotaExceeded),
		errors.Is(err, guardian.ErrSessionBudget),
		errors.Is(err, guardian.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, guardian.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, guardian.ErrUnsupportedProvider):
		return http.StatusNotFound
	case errors.Is(err, guardian.ErrRetryExhausted),
		errors.Is(err, guardian.ErrProviderTimeout),
		errors.Is(err, guardian.ErrProviderRateLimit),
		errors.Is(err, guardian.ErrProviderAPI),
		errors.Is(err, guardian.ErrQualityCheckFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, errorResponse(guardian.ErrorKind(err), err.Error()))
}

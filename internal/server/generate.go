package server

import (
	"encoding/json"
	"net/http"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// defaultMaxTokens is applied when a request omits max_tokens.
const defaultMaxTokens = 1024

// generateRequest is the wire form of a guarded generation request.
type generateRequest struct {
	Prompt      string  `json:"prompt"`
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`

	AllowedTopics     []string `json:"allowed_topics,omitempty"`
	ForbiddenPatterns []string `json:"forbidden_patterns,omitempty"`
	MaxCostUSD        float64  `json:"max_cost_usd,omitempty"`

	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`
}

// handleGenerate runs one request through the full protective lifecycle and
// returns the annotated response.
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("InvalidRequestError", "invalid JSON body"))
		return
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = s.deps.DefaultProvider
	}
	model := req.Model
	if model == "" {
		model = s.deps.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	reqCtx := &guardian.RequestContext{
		RequestID:         guardian.RequestIDFromContext(r.Context()),
		Timestamp:         time.Now().UTC(),
		UserID:            req.UserID,
		SessionID:         req.SessionID,
		Prompt:            req.Prompt,
		MaxTokens:         maxTokens,
		Temperature:       req.Temperature,
		AllowedTopics:     req.AllowedTopics,
		ForbiddenPatterns: req.ForbiddenPatterns,
		MaxCostUSD:        req.MaxCostUSD,
		Metadata:          req.Metadata,
	}

	resp, err := s.deps.Guardian.Execute(r.Context(), reqCtx, providerName, model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

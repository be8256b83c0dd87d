// Package guardian defines domain types and interfaces for the Guardian LLM
// safety middleware. This package has no project imports -- it is the
// dependency root.
package guardian

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// --- Quality ---

// QualityLevel is the categorical bucket for a response quality score.
type QualityLevel string

const (
	QualityExcellent  QualityLevel = "excellent"
	QualityGood       QualityLevel = "good"
	QualityAcceptable QualityLevel = "acceptable"
	QualityPoor       QualityLevel = "poor"
	QualityUnsafe     QualityLevel = "unsafe"
)

// CategorizeQuality maps a quality score to its level.
func CategorizeQuality(score float64) QualityLevel {
	switch {
	case score >= 0.9:
		return QualityExcellent
	case score >= 0.75:
		return QualityGood
	case score >= 0.6:
		return QualityAcceptable
	case score >= 0.3:
		return QualityPoor
	default:
		return QualityUnsafe
	}
}

// --- Request / Response ---

// MaxTokensLimit is the upper bound on RequestContext.MaxTokens.
const MaxTokensLimit = 32000

// RequestContext is the complete, immutable context for one LLM request.
// Constructed by the caller; mutated by no one.
type RequestContext struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`

	AllowedTopics     []string `json:"allowed_topics,omitempty"`
	ForbiddenPatterns []string `json:"forbidden_patterns,omitempty"` // regex sources
	MaxCostUSD        float64  `json:"max_cost_usd,omitempty"`       // 0 = unlimited

	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks the structural contract of the context. The prompt length
// ceiling is configuration-dependent and enforced by the input validator.
func (c *RequestContext) Validate() error {
	if c.RequestID == "" {
		return ErrInvalidContext
	}
	if strings.TrimSpace(c.Prompt) == "" {
		return ErrInvalidContext
	}
	if c.MaxTokens < 1 || c.MaxTokens > MaxTokensLimit {
		return ErrInvalidContext
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return ErrInvalidContext
	}
	if c.MaxCostUSD < 0 {
		return ErrInvalidContext
	}
	return nil
}

// Response is a provider response progressively annotated by the quality
// assessor and performance recorder before being handed back to the caller.
type Response struct {
	RequestID    string `json:"request_id"`
	ResponseText string `json:"response_text"`

	LatencyMS  float64 `json:"latency_ms"`
	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`

	QualityScore float64      `json:"quality_score"`
	QualityLevel QualityLevel `json:"quality_level"`

	ContainsHarmfulContent bool `json:"contains_harmful_content"`
	IsHallucination        bool `json:"is_hallucination"`
	IsOffTask              bool `json:"is_off_task"`

	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// --- Assessment ---

// Action is the recommended handling for an assessed response.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
	ActionReview   Action = "review"
	ActionFallback Action = "fallback"
)

// Assessment is the per-request quality sidecar produced by the assessor.
type Assessment struct {
	RequestID string `json:"request_id"`

	HallucinationProbability float64  `json:"hallucination_probability"`
	SafetyViolations         []string `json:"safety_violations,omitempty"`
	CoherenceScore           float64  `json:"coherence_score"`
	RelevanceScore           float64  `json:"relevance_score"`

	PassValidation    bool     `json:"pass_validation"`
	RecommendedAction Action   `json:"recommended_action"`
	Warnings          []string `json:"warnings,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// --- Validation ---

// Severity labels a validation result or alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidationResult is the outcome of input or output validation.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Severity Severity `json:"severity"`
}

// --- Alerts ---

// AlertCategory classifies a monitoring alert.
type AlertCategory string

const (
	AlertQuality     AlertCategory = "quality"
	AlertPerformance AlertCategory = "performance"
	AlertSafety      AlertCategory = "safety"
	AlertAnomaly     AlertCategory = "anomaly"
	AlertBudget      AlertCategory = "budget"
)

// Alert is raised by monitoring components when an issue is detected.
type Alert struct {
	AlertID   string                     `json:"alert_id"`
	Severity  Severity                   `json:"severity"`
	Category  AlertCategory              `json:"category"`
	Message   string                     `json:"message"`
	Details   map[string]json.RawMessage `json:"details,omitempty"`
	RequestID string                     `json:"request_id,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
	Resolved  bool                       `json:"resolved"`
}

// AlertSink receives alerts from monitoring components. Implementations must
// not block; the worker-backed sink drops on a full queue.
type AlertSink interface {
	Raise(Alert)
}

// --- Performance ---

// PerformanceRecord captures the measured cost of one completed request.
type PerformanceRecord struct {
	RequestID        string    `json:"request_id"`
	LatencyMS        float64   `json:"latency_ms"`
	TokensPrompt     int       `json:"tokens_prompt"`
	TokensCompletion int       `json:"tokens_completion"`
	TokensTotal      int       `json:"tokens_total"`
	CostUSD          float64   `json:"cost_usd"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Timestamp        time.Time `json:"timestamp"`
}

// UsageRecord is the durable form of a completed request, persisted for
// accounting and quota warm-start.
type UsageRecord struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	TokensUsed   int       `json:"tokens_used"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    float64   `json:"latency_ms"`
	QualityScore float64   `json:"quality_score"`
	CreatedAt    time.Time `json:"created_at"`
}

// --- Checkpoint ---

// Checkpoint stages written by the orchestrator.
const (
	StagePreExecution = "pre_execution"
	StageCompleted    = "completed"
)

// Snapshot is one durable per-request checkpoint.
type Snapshot struct {
	SnapshotID     string            `json:"snapshot_id"`
	RequestContext *RequestContext   `json:"request_context"`
	CheckpointData map[string]string `json:"checkpoint_data"`
	Timestamp      time.Time         `json:"timestamp"`
}

// --- Provider adapter contract ---

// Provider is the interface all LLM provider adapters implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
	// Generate sends the prompt to the given model and returns the raw
	// response annotated with latency, token, and cost measurements.
	Generate(ctx context.Context, reqCtx *RequestContext, model string) (*Response, error)
	// EstimateCost returns the USD cost for the given token usage.
	// Unknown models price at the adapter's lowest tier.
	EstimateCost(promptTokens, completionTokens int, model string) float64
}

package quality

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// historyLimit bounds the retained quality score history.
const historyLimit = 1000

// Assessor coordinates the quality checks and annotates responses in place.
type Assessor struct {
	alertThreshold float64
	sink           guardian.AlertSink // may be nil

	mu           sync.Mutex
	history      []float64
	activeAlerts []guardian.Alert

	now func() time.Time
}

// NewAssessor creates an assessor that raises alerts through sink when the
// quality score falls below alertThreshold. A nil sink disables alerting.
func NewAssessor(alertThreshold float64, sink guardian.AlertSink) *Assessor {
	return &Assessor{
		alertThreshold: alertThreshold,
		sink:           sink,
		now:            time.Now,
	}
}

// Assess runs the full quality assessment, annotating resp and returning the
// assessment sidecar. When the response fails validation with a score below
// 0.3, the returned error wraps the quality-check-failed sentinel; this is
// the critical path the orchestrator handles with fallback.
func (a *Assessor) Assess(resp *guardian.Response, reqCtx *guardian.RequestContext) (*guardian.Assessment, error) {
	assessment := &guardian.Assessment{
		RequestID: resp.RequestID,
		Timestamp: a.now(),
	}

	hallucinationScore := HallucinationScore(resp.ResponseText)
	assessment.HallucinationProbability = hallucinationScore
	resp.IsHallucination = IsHallucination(hallucinationScore)

	safety := CheckSafety(resp.ResponseText)
	resp.ContainsHarmfulContent = !safety.IsSafe
	assessment.SafetyViolations = safety.Violations

	resp.IsOffTask = IsOffTask(reqCtx.Prompt, resp.ResponseText)

	score := scoreResponse(hallucinationScore, safety.RiskScore, resp.IsOffTask, len(resp.ResponseText))
	resp.QualityScore = score
	resp.QualityLevel = guardian.CategorizeQuality(score)

	assessment.CoherenceScore = 1.0 - hallucinationScore
	if resp.IsOffTask {
		assessment.RelevanceScore = 0.0
	} else {
		assessment.RelevanceScore = 1.0
	}

	a.mu.Lock()
	a.history = append(a.history, score)
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}
	a.mu.Unlock()

	assessment.PassValidation = len(safety.Violations) == 0 &&
		!resp.IsHallucination &&
		score >= 0.5

	assessment.RecommendedAction = recommendAction(score, assessment.PassValidation, safety.Violations)
	assessment.Warnings = buildWarnings(hallucinationScore, safety.RiskScore, resp.IsOffTask, score)

	if score < a.alertThreshold {
		a.raiseQualityAlert(resp, assessment)
	}

	if !assessment.PassValidation && score < 0.3 {
		return assessment, fmt.Errorf("%w: score %.2f below critical threshold",
			guardian.ErrQualityCheckFailed, score)
	}
	return assessment, nil
}

// scoreResponse combines the check outcomes into a single quality score.
func scoreResponse(hallucinationScore, safetyRisk float64, isOffTask bool, responseLength int) float64 {
	score := 1.0
	score -= hallucinationScore * 0.4
	score -= safetyRisk * 0.5
	if isOffTask {
		score *= 0.5
	}
	if responseLength < 50 {
		score *= 0.8
	}
	return max(0.0, min(score, 1.0))
}

func recommendAction(score float64, passValidation bool, violations []string) guardian.Action {
	if len(violations) > 0 {
		return guardian.ActionReject
	}
	if !passValidation {
		if score < 0.3 {
			return guardian.ActionFallback
		}
		return guardian.ActionReview
	}
	if score >= 0.75 {
		return guardian.ActionAccept
	}
	return guardian.ActionReview
}

func buildWarnings(hallucinationScore, safetyRisk float64, isOffTask bool, score float64) []string {
	var warnings []string
	if hallucinationScore > 0.5 {
		warnings = append(warnings, fmt.Sprintf("high hallucination probability: %.2f", hallucinationScore))
	}
	if safetyRisk > 0.3 {
		warnings = append(warnings, fmt.Sprintf("potential safety concerns: risk score %.2f", safetyRisk))
	}
	if isOffTask {
		warnings = append(warnings, "response may be off-task or irrelevant")
	}
	if score < 0.6 {
		warnings = append(warnings, fmt.Sprintf("low quality score: %.2f", score))
	}
	return warnings
}

func (a *Assessor) raiseQualityAlert(resp *guardian.Response, assessment *guardian.Assessment) {
	severity := guardian.SeverityMedium
	if resp.QualityScore < 0.3 {
		severity = guardian.SeverityHigh
	}
	alert := guardian.Alert{
		AlertID:   "alert-quality-" + resp.RequestID,
		Severity:  severity,
		Category:  guardian.AlertQuality,
		Message: fmt.Sprintf("quality score %.2f below threshold %.2f",
			resp.QualityScore, a.alertThreshold),
		RequestID: resp.RequestID,
		Timestamp: a.now(),
	}

	a.mu.Lock()
	a.activeAlerts = append(a.activeAlerts, alert)
	a.mu.Unlock()

	if a.sink != nil {
		a.sink.Raise(alert)
	}
}

// ActiveAlerts returns the unresolved quality alerts.
func (a *Assessor) ActiveAlerts() []guardian.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	alerts := make([]guardian.Alert, 0, len(a.activeAlerts))
	for _, al := range a.activeAlerts {
		if !al.Resolved {
			alerts = append(alerts, al)
		}
	}
	return alerts
}

// ResolveAlert marks the alert with the given ID resolved.
func (a *Assessor) ResolveAlert(alertID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.activeAlerts {
		if a.activeAlerts[i].AlertID == alertID {
			a.activeAlerts[i].Resolved = true
			return true
		}
	}
	return false
}

// Trends summarizes recent quality scores.
type Trends struct {
	Mean        float64 `json:"mean_quality"`
	Std         float64 `json:"std_quality"`
	Min         float64 `json:"min_quality"`
	Max         float64 `json:"max_quality"`
	P50         float64 `json:"p50_quality"`
	P95         float64 `json:"p95_quality"`
	SampleCount int     `json:"sample_count"`
}

// Trends computes statistics over the most recent window scores. Returns the
// zero value when no history exists.
func (a *Assessor) Trends(window int) Trends {
	a.mu.Lock()
	scores := a.history
	if window > 0 && len(scores) > window {
		scores = scores[len(scores)-window:]
	}
	recent := make([]float64, len(scores))
	copy(recent, scores)
	a.mu.Unlock()

	if len(recent) == 0 {
		return Trends{}
	}

	var sum float64
	minV, maxV := recent[0], recent[0]
	for _, s := range recent {
		sum += s
		minV = min(minV, s)
		maxV = max(maxV, s)
	}
	mean := sum / float64(len(recent))

	var variance float64
	for _, s := range recent {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(recent))

	sorted := make([]float64, len(recent))
	copy(sorted, recent)
	sort.Float64s(sorted)

	return Trends{
		Mean:        mean,
		Std:         math.Sqrt(variance),
		Min:         minV,
		Max:         maxV,
		P50:         percentile(sorted, 50),
		P95:         percentile(sorted, 95),
		SampleCount: len(recent),
	}
}

// percentile computes the pth percentile of sorted values with linear
// interpolation.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

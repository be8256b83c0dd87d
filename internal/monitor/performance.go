// Package monitor implements the performance recorder: bounded metric
// history, session and user cost totals, latency anomaly detection, and
// per-request budget enforcement.
package monitor

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	guardian "github.com/llm-guardian/guardian/internal"
)

// historyLimit bounds the retained performance records.
const historyLimit = 10_000

// baselineWindow is how many recent records feed the baseline recomputation.
const baselineWindow = 1000

// anomalyMinSamples is the minimum history before anomaly detection runs.
const anomalyMinSamples = 100

// Config holds recorder thresholds.
type Config struct {
	LatencyThresholdMS     float64 // absolute latency alert threshold
	EnableAnomalyDetection bool
}

// Baselines are the periodically recomputed latency reference points.
type Baselines struct {
	P50 float64 `json:"latency_baseline_p50"`
	P95 float64 `json:"latency_baseline_p95"`
}

// Recorder tracks per-request performance and enforces per-request budgets.
// All state is guarded by a single mutex.
type Recorder struct {
	cfg  Config
	sink guardian.AlertSink // may be nil

	mu           sync.Mutex
	history      []guardian.PerformanceRecord
	sessionCosts map[string]float64
	userCosts    map[string]float64
	userReset    map[string]string // UTC date of last reset
	baselines    *Baselines
	activeAlerts []guardian.Alert

	now func() time.Time
}

// NewRecorder creates a recorder that raises alerts through sink. A nil sink
// disables alert delivery (alerts are still tracked internally).
func NewRecorder(cfg Config, sink guardian.AlertSink) *Recorder {
	return &Recorder{
		cfg:          cfg,
		sink:         sink,
		sessionCosts: make(map[string]float64),
		userCosts:    make(map[string]float64),
		userReset:    make(map[string]string),
		now:          time.Now,
	}
}

// Record stores the response's metrics, updates cost ledgers, runs anomaly
// detection, and finally checks the request's own budget. The budget check
// runs after recording, so the history keeps rejected requests too. These
// ledgers are informational; admission-time checks in the rate limiter are
// authoritative.
func (r *Recorder) Record(resp *guardian.Response, reqCtx *guardian.RequestContext, promptTokens, completionTokens int) (guardian.PerformanceRecord, error) {
	rec := guardian.PerformanceRecord{
		RequestID:        resp.RequestID,
		LatencyMS:        resp.LatencyMS,
		TokensPrompt:     promptTokens,
		TokensCompletion: completionTokens,
		TokensTotal:      resp.TokensUsed,
		CostUSD:          resp.CostUSD,
		Provider:         resp.Provider,
		Model:            resp.Model,
		Timestamp:        resp.Timestamp,
	}

	r.mu.Lock()
	r.history = append(r.history, rec)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}

	if reqCtx.SessionID != "" {
		r.sessionCosts[reqCtx.SessionID] += rec.CostUSD
	}
	if reqCtx.UserID != "" {
		today := r.now().UTC().Format("2006-01-02")
		if r.userReset[reqCtx.UserID] != today {
			r.userCosts[reqCtx.UserID] = 0
			r.userReset[reqCtx.UserID] = today
		}
		r.userCosts[reqCtx.UserID] += rec.CostUSD
	}

	alerts := r.detectAnomalies(rec)

	if len(r.history)%100 == 0 {
		r.updateBaselines()
	}
	r.mu.Unlock()

	for _, alert := range alerts {
		if r.sink != nil {
			r.sink.Raise(alert)
		}
	}

	if reqCtx.MaxCostUSD > 0 && rec.CostUSD > reqCtx.MaxCostUSD {
		return rec, fmt.Errorf("%w: request cost $%.4f exceeds limit $%.4f",
			guardian.ErrBudgetExceeded, rec.CostUSD, reqCtx.MaxCostUSD)
	}
	return rec, nil
}

// detectAnomalies checks the new record against the trailing p95 and the
// absolute threshold. Caller must hold r.mu.
func (r *Recorder) detectAnomalies(rec guardian.PerformanceRecord) []guardian.Alert {
	var alerts []guardian.Alert

	if r.cfg.EnableAnomalyDetection && len(r.history) >= anomalyMinSamples {
		recent := r.history[len(r.history)-anomalyMinSamples:]
		latencies := make([]float64, len(recent))
		for i, m := range recent {
			latencies[i] = m.LatencyMS
		}
		sort.Float64s(latencies)
		p95 := percentile(latencies, 95)
		if rec.LatencyMS > p95*2 {
			alerts = append(alerts, r.newAlert(rec, guardian.SeverityMedium, guardian.AlertAnomaly,
				fmt.Sprintf("high latency detected: %.0fms (p95: %.0fms)", rec.LatencyMS, p95)))
		}
	}

	if r.cfg.LatencyThresholdMS > 0 && rec.LatencyMS > r.cfg.LatencyThresholdMS {
		alerts = append(alerts, r.newAlert(rec, guardian.SeverityHigh, guardian.AlertPerformance,
			fmt.Sprintf("latency %.0fms exceeds threshold %.0fms", rec.LatencyMS, r.cfg.LatencyThresholdMS)))
	}

	r.activeAlerts = append(r.activeAlerts, alerts...)
	return alerts
}

func (r *Recorder) newAlert(rec guardian.PerformanceRecord, severity guardian.Severity, category guardian.AlertCategory, message string) guardian.Alert {
	return guardian.Alert{
		AlertID:   fmt.Sprintf("alert-perf-%s-%s", category, rec.RequestID),
		Severity:  severity,
		Category:  category,
		Message:   message,
		RequestID: rec.RequestID,
		Timestamp: r.now(),
	}
}

// updateBaselines recomputes the latency reference points over the last 1000
// records. Caller must hold r.mu.
func (r *Recorder) updateBaselines() {
	if len(r.history) < anomalyMinSamples {
		return
	}
	recent := r.history
	if len(recent) > baselineWindow {
		recent = recent[len(recent)-baselineWindow:]
	}
	latencies := make([]float64, len(recent))
	for i, m := range recent {
		latencies[i] = m.LatencyMS
	}
	sort.Float64s(latencies)
	r.baselines = &Baselines{
		P50: percentile(latencies, 50),
		P95: percentile(latencies, 95),
	}
}

// CurrentBaselines returns the last computed baselines, or nil before the
// first recomputation.
func (r *Recorder) CurrentBaselines() *Baselines {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.baselines == nil {
		return nil
	}
	b := *r.baselines
	return &b
}

// Summary aggregates latency, cost, and token statistics. A zero window
// covers the whole history.
type Summary struct {
	RequestCount int     `json:"request_count"`
	LatencyMean  float64 `json:"latency_mean"`
	LatencyP50   float64 `json:"latency_p50"`
	LatencyP95   float64 `json:"latency_p95"`
	LatencyP99   float64 `json:"latency_p99"`
	LatencyMin   float64 `json:"latency_min"`
	LatencyMax   float64 `json:"latency_max"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
	TotalTokens  int     `json:"total_tokens"`
	AvgTokens    float64 `json:"avg_tokens"`
}

// Summary computes the performance summary over the trailing window.
func (r *Recorder) Summary(window time.Duration) Summary {
	recent := r.recentRecords(window)
	if len(recent) == 0 {
		return Summary{}
	}

	latencies := make([]float64, len(recent))
	var totalCost float64
	var totalTokens int
	for i, m := range recent {
		latencies[i] = m.LatencyMS
		totalCost += m.CostUSD
		totalTokens += m.TokensTotal
	}
	sort.Float64s(latencies)

	var latencySum float64
	for _, l := range latencies {
		latencySum += l
	}
	n := float64(len(recent))
	return Summary{
		RequestCount: len(recent),
		LatencyMean:  latencySum / n,
		LatencyP50:   percentile(latencies, 50),
		LatencyP95:   percentile(latencies, 95),
		LatencyP99:   percentile(latencies, 99),
		LatencyMin:   latencies[0],
		LatencyMax:   latencies[len(latencies)-1],
		TotalCostUSD: totalCost,
		AvgCostUSD:   totalCost / n,
		TotalTokens:  totalTokens,
		AvgTokens:    float64(totalTokens) / n,
	}
}

// ProviderStats is the per-provider slice of the summary.
type ProviderStats struct {
	RequestCount int     `json:"request_count"`
	LatencyP50   float64 `json:"latency_p50"`
	LatencyP95   float64 `json:"latency_p95"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
}

// ProviderBreakdown groups the trailing window's records by provider.
func (r *Recorder) ProviderBreakdown(window time.Duration) map[string]ProviderStats {
	recent := r.recentRecords(window)
	grouped := make(map[string][]guardian.PerformanceRecord)
	for _, m := range recent {
		grouped[m.Provider] = append(grouped[m.Provider], m)
	}

	breakdown := make(map[string]ProviderStats, len(grouped))
	for provider, records := range grouped {
		latencies := make([]float64, len(records))
		var totalCost float64
		for i, m := range records {
			latencies[i] = m.LatencyMS
			totalCost += m.CostUSD
		}
		sort.Float64s(latencies)
		breakdown[provider] = ProviderStats{
			RequestCount: len(records),
			LatencyP50:   percentile(latencies, 50),
			LatencyP95:   percentile(latencies, 95),
			TotalCostUSD: totalCost,
			AvgCostUSD:   totalCost / float64(len(records)),
		}
	}
	return breakdown
}

// CostSummary reports the cost ledgers by session and user.
type CostSummary struct {
	SessionCosts  map[string]float64 `json:"session_costs"`
	UserCosts     map[string]float64 `json:"user_costs"`
	TotalSessions int                `json:"total_sessions"`
	TotalUsers    int                `json:"total_users"`
}

// CostSummary snapshots the cost ledgers.
func (r *Recorder) CostSummary() CostSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make(map[string]float64, len(r.sessionCosts))
	for k, v := range r.sessionCosts {
		sessions[k] = v
	}
	users := make(map[string]float64, len(r.userCosts))
	for k, v := range r.userCosts {
		users[k] = v
	}
	return CostSummary{
		SessionCosts:  sessions,
		UserCosts:     users,
		TotalSessions: len(sessions),
		TotalUsers:    len(users),
	}
}

// ActiveAlerts returns the unresolved performance alerts.
func (r *Recorder) ActiveAlerts() []guardian.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	alerts := make([]guardian.Alert, 0, len(r.activeAlerts))
	for _, a := range r.activeAlerts {
		if !a.Resolved {
			alerts = append(alerts, a)
		}
	}
	return alerts
}

// ResolveAlert marks the alert with the given ID resolved.
func (r *Recorder) ResolveAlert(alertID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.activeAlerts {
		if r.activeAlerts[i].AlertID == alertID {
			r.activeAlerts[i].Resolved = true
			return true
		}
	}
	return false
}

// recentRecords copies the records within the trailing window.
func (r *Recorder) recentRecords(window time.Duration) []guardian.PerformanceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if window <= 0 {
		recent := make([]guardian.PerformanceRecord, len(r.history))
		copy(recent, r.history)
		return recent
	}
	cutoff := r.now().Add(-window)
	var recent []guardian.PerformanceRecord
	for _, m := range r.history {
		if m.Timestamp.After(cutoff) {
			recent = append(recent, m)
		}
	}
	return recent
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

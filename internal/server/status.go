package server

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	guardian "github.com/llm-guardian/guardian/internal"
	"github.com/llm-guardian/guardian/internal/circuitbreaker"
	"github.com/llm-guardian/guardian/internal/monitor"
	"github.com/llm-guardian/guardian/internal/quality"
	"github.com/llm-guardian/guardian/internal/ratelimit"
)

type breakerStatusResponse struct {
	States   map[string]string      `json:"states"`
	Breakers []circuitbreaker.Stats `json:"breakers"`
}

func (s *server) handleBreakerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, breakerStatusResponse{
		States:   s.deps.Breakers.States(),
		Breakers: s.deps.Breakers.AllStats(),
	})
}

type rateLimitStatusResponse struct {
	GlobalAvailable float64           `json:"global_available_tokens"`
	UserQuota       *ratelimit.Status `json:"user_quota,omitempty"`
	SessionBudget   *ratelimit.Status `json:"session_budget,omitempty"`
}

// handleRateLimitStatus reports global bucket headroom, plus the USD ledgers
// for an optional ?user_id= and ?session_id=.
func (s *server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	resp := rateLimitStatusResponse{
		GlobalAvailable: s.deps.Limiter.GlobalStatus(),
	}
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		st := s.deps.Limiter.UserQuotaStatus(userID)
		resp.UserQuota = &st
	}
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		st := s.deps.Limiter.SessionBudgetStatus(sessionID)
		resp.SessionBudget = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

type qualityStatusResponse struct {
	Trends       quality.Trends   `json:"trends"`
	ActiveAlerts []guardian.Alert `json:"active_alerts"`
}

// handleQualityStatus reports quality trends over the last ?window= scores
// (default 100) along with unresolved quality alerts.
func (s *server) handleQualityStatus(w http.ResponseWriter, r *http.Request) {
	window := 100
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("InvalidRequestError", "window must be a non-negative integer"))
			return
		}
		window = n
	}
	writeJSON(w, http.StatusOK, qualityStatusResponse{
		Trends:       s.deps.Assessor.Trends(window),
		ActiveAlerts: s.deps.Assessor.ActiveAlerts(),
	})
}

type performanceStatusResponse struct {
	Summary   monitor.Summary                  `json:"summary"`
	Providers map[string]monitor.ProviderStats `json:"providers"`
	Cost      monitor.CostSummary              `json:"cost"`
	Baselines *monitor.Baselines               `json:"baselines,omitempty"`
}

// handlePerformanceStatus reports the trailing-window performance summary.
// ?window= takes a Go duration ("5m", "1h"); zero or absent covers all history.
func (s *server) handlePerformanceStatus(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("InvalidRequestError", "window must be a non-negative duration"))
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, performanceStatusResponse{
		Summary:   s.deps.Recorder.Summary(window),
		Providers: s.deps.Recorder.ProviderBreakdown(window),
		Cost:      s.deps.Recorder.CostSummary(),
		Baselines: s.deps.Recorder.CurrentBaselines(),
	})
}

type alertsResponse struct {
	Alerts []guardian.Alert `json:"alerts"`
}

// handleAlerts merges unresolved alerts from the quality and performance
// monitors, oldest first.
func (s *server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := append(s.deps.Assessor.ActiveAlerts(), s.deps.Recorder.ActiveAlerts()...)
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts})
}

// handleResetBreaker forces a breaker back to closed, clearing its counters.
func (s *server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	b := s.deps.Breakers.Get(name)
	if b == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("NotFoundError", "unknown breaker"))
		return
	}
	b.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"provider": name, "state": b.State().String()})
}

// handleResolveAlert marks an alert resolved in whichever monitor owns it.
func (s *server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	resolved := s.deps.Assessor.ResolveAlert(alertID) || s.deps.Recorder.ResolveAlert(alertID)
	if !resolved {
		writeJSON(w, http.StatusNotFound, errorResponse("NotFoundError", "unknown alert id"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alert_id": alertID, "resolved": true})
}

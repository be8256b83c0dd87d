// Package server implements the HTTP transport layer for the guardian.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llm-guardian/guardian/internal/app"
	"github.com/llm-guardian/guardian/internal/circuitbreaker"
	"github.com/llm-guardian/guardian/internal/monitor"
	"github.com/llm-guardian/guardian/internal/quality"
	"github.com/llm-guardian/guardian/internal/ratelimit"
	"github.com/llm-guardian/guardian/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Guardian *app.Guardian
	Breakers *circuitbreaker.MultiBreaker
	Limiter  *ratelimit.Limiter
	Assessor *quality.Assessor
	Recorder *monitor.Recorder

	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no HTTP metrics
	MetricsHandler http.Handler       // nil = /metrics not mounted

	// Defaults applied when a generate request omits provider or model.
	DefaultProvider string
	DefaultModel    string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Guarded generation API
	r.Post("/v1/generate", s.handleGenerate)

	// Introspection API
	r.Route("/v1/status", func(r chi.Router) {
		r.Get("/breakers", s.handleBreakerStatus)
		r.Get("/ratelimit", s.handleRateLimitStatus)
		r.Get("/quality", s.handleQualityStatus)
		r.Get("/performance", s.handlePerformanceStatus)
		r.Get("/alerts", s.handleAlerts)
	})
	r.Post("/v1/alerts/{alertID}/resolve", s.handleResolveAlert)
	r.Post("/v1/breakers/{provider}/reset", s.handleResetBreaker)

	return r
}

type server struct {
	deps Deps
}

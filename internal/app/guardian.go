// Package app implements the request-lifecycle orchestrator. It is pure
// coordination: every step is a call into a protective component, executed in
// a fixed order that callers and tests depend on.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	guardian "github.com/llm-guardian/guardian/internal"
	"github.com/llm-guardian/guardian/internal/audit"
	"github.com/llm-guardian/guardian/internal/checkpoint"
	"github.com/llm-guardian/guardian/internal/circuitbreaker"
	"github.com/llm-guardian/guardian/internal/config"
	"github.com/llm-guardian/guardian/internal/monitor"
	"github.com/llm-guardian/guardian/internal/provider"
	"github.com/llm-guardian/guardian/internal/quality"
	"github.com/llm-guardian/guardian/internal/ratelimit"
	"github.com/llm-guardian/guardian/internal/retry"
	"github.com/llm-guardian/guardian/internal/telemetry"
	"github.com/llm-guardian/guardian/internal/validate"
)

// UsageSink receives durable usage records for completed requests.
// Implementations must not block.
type UsageSink interface {
	Record(guardian.UsageRecord)
}

// Options wires the orchestrator's components. Journal, Checkpoints, Usage,
// and Metrics may be nil; the corresponding stage is skipped.
type Options struct {
	Config      *config.Config
	Providers   *provider.Registry
	Limiter     *ratelimit.Limiter
	Breakers    *circuitbreaker.MultiBreaker
	Retrier     *retry.Controller
	Input       *validate.InputValidator
	Output      *validate.OutputValidator
	Assessor    *quality.Assessor
	Recorder    *monitor.Recorder
	Checkpoints *checkpoint.Store
	Journal     *audit.Journal
	Usage       UsageSink
	Metrics     *telemetry.Metrics
}

// Guardian executes LLM requests under the full protective lifecycle.
type Guardian struct {
	cfg         *config.Config
	providers   *provider.Registry
	limiter     *ratelimit.Limiter
	breakers    *circuitbreaker.MultiBreaker
	retrier     *retry.Controller
	input       *validate.InputValidator
	output      *validate.OutputValidator
	assessor    *quality.Assessor
	recorder    *monitor.Recorder
	checkpoints *checkpoint.Store
	journal     *audit.Journal
	usage       UsageSink
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
}

// New creates a Guardian from the given options.
func New(opts Options) *Guardian {
	return &Guardian{
		cfg:         opts.Config,
		providers:   opts.Providers,
		limiter:     opts.Limiter,
		breakers:    opts.Breakers,
		retrier:     opts.Retrier,
		input:       opts.Input,
		output:      opts.Output,
		assessor:    opts.Assessor,
		recorder:    opts.Recorder,
		checkpoints: opts.Checkpoints,
		journal:     opts.Journal,
		usage:       opts.Usage,
		metrics:     opts.Metrics,
		tracer:      telemetry.Tracer("guardian/orchestrator"),
	}
}

// Execute runs one request through the fixed lifecycle:
//
//	audit(request) -> input validation -> admission -> checkpoint(pre) ->
//	breaker(retry(provider.Generate)) [-> fallback] -> quality assessment ->
//	performance recording -> cost recording -> output validation ->
//	audit(response) + checkpoint(completed)
//
// Every error is audited exactly once here before being returned.
func (g *Guardian) Execute(ctx context.Context, reqCtx *guardian.RequestContext, providerName, model string) (*guardian.Response, error) {
	ctx, span := g.tracer.Start(ctx, "execute_request", trace.WithAttributes(
		attribute.String("request.id", reqCtx.RequestID),
		attribute.String("provider", providerName),
		attribute.String("model", model),
	))
	defer span.End()

	if g.metrics != nil {
		g.metrics.ActiveRequests.Inc()
		defer g.metrics.ActiveRequests.Dec()
	}
	start := time.Now()

	resp, err := g.execute(ctx, span, reqCtx, providerName, model)

	outcome := "success"
	if err != nil {
		outcome = guardian.ErrorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if g.metrics != nil {
		g.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
		g.metrics.RequestDuration.WithLabelValues(providerName).Observe(time.Since(start).Seconds())
	}
	return resp, err
}

func (g *Guardian) execute(ctx context.Context, span trace.Span, reqCtx *guardian.RequestContext, providerName, model string) (*guardian.Response, error) {
	// Step 1: audit the request before anything can fail.
	if g.journal != nil {
		g.journal.Request(reqCtx)
	}
	span.AddEvent("audit_request")

	if err := reqCtx.Validate(); err != nil {
		return nil, g.fail(reqCtx, err, nil)
	}

	// Step 2: input validation.
	if g.cfg.SafetyChecksEnabled() {
		if _, err := g.input.Validate(reqCtx); err != nil {
			return nil, g.fail(reqCtx, err, nil)
		}
		span.AddEvent("input_validated")
	}

	// Step 3: admission. Tokens consumed here are not refunded.
	if err := g.limiter.CheckLimits(reqCtx); err != nil {
		if g.metrics != nil {
			g.metrics.RateLimitRejects.WithLabelValues(rejectType(err)).Inc()
		}
		return nil, g.fail(reqCtx, err, nil)
	}
	span.AddEvent("admitted")

	// Step 4: pre-execution checkpoint. A failed save is logged, not fatal.
	if g.cfg.RecoveryEnabled() && g.checkpoints != nil {
		g.saveCheckpoint(reqCtx, guardian.StagePreExecution, map[string]string{
			"provider": providerName,
			"model":    model,
		})
		span.AddEvent("checkpoint_pre_execution")
	}

	// Step 5: the guarded provider call.
	resp, err := g.callProvider(ctx, reqCtx, providerName, model)
	fallbackUsed := false

	// Step 6: provider-failure fallback.
	if err != nil {
		if !g.fallbackEligible(providerName) {
			return nil, g.fail(reqCtx, err, nil)
		}
		span.AddEvent("fallback_attempted")
		fbResp, fbErr := g.callProvider(ctx, reqCtx, g.cfg.FallbackProvider, g.cfg.FallbackModel)
		if fbErr != nil {
			wrapped := &guardian.FallbackError{Primary: err, Fallback: fbErr}
			return nil, g.fail(reqCtx, wrapped, map[string]any{"fallback_attempted": true})
		}
		resp = fbResp
		fallbackUsed = true
	}
	span.AddEvent("provider_call_complete")

	// Steps 7-9: assess, record, charge.
	if err := g.settle(ctx, span, reqCtx, resp); err != nil {
		return nil, g.fail(reqCtx, err, auditContext(fallbackUsed))
	}

	// Step 10: output validation. Only critical failures reroute; lower
	// severities are warnings on an otherwise delivered response.
	if g.cfg.SafetyChecksEnabled() {
		result := g.output.Validate(resp)
		if !result.IsValid && result.Severity == guardian.SeverityCritical {
			fbResp, fbErr := g.fallbackForCriticalOutput(ctx, span, reqCtx, resp, result, providerName, fallbackUsed)
			if fbErr != nil {
				return nil, fbErr
			}
			resp = fbResp
			fallbackUsed = true
		}
		span.AddEvent("output_validated")
	}

	// Step 11: closing audit and checkpoint.
	if g.journal != nil {
		g.journal.Response(resp)
	}
	if g.cfg.RecoveryEnabled() && g.checkpoints != nil {
		g.saveCheckpoint(reqCtx, guardian.StageCompleted, map[string]string{
			"provider": resp.Provider,
			"model":    resp.Model,
		})
	}
	span.AddEvent("completed")
	return resp, nil
}

// callProvider runs one provider call under that provider's circuit breaker
// with the retry policy inside. The breaker admits or rejects; the retry
// controller owns the attempts; the breaker records the overall outcome.
func (g *Guardian) callProvider(ctx context.Context, reqCtx *guardian.RequestContext, providerName, model string) (*guardian.Response, error) {
	p, err := g.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	var resp *guardian.Response
	breaker := g.breakers.GetOrCreate(providerName)
	start := time.Now()
	err = breaker.Call(func() error {
		return g.retrier.Run(ctx, func(ctx context.Context) error {
			r, genErr := p.Generate(ctx, reqCtx, model)
			if genErr != nil {
				return genErr
			}
			resp = r
			return nil
		})
	})

	if g.metrics != nil {
		g.metrics.BreakerState.WithLabelValues(providerName).Set(breakerGauge(breaker.State()))
		if err == nil {
			g.metrics.ProviderDuration.WithLabelValues(providerName, model).Observe(time.Since(start).Seconds())
		} else {
			g.metrics.ProviderErrors.WithLabelValues(providerName, guardian.ErrorKind(err)).Inc()
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// settle runs the post-call monitoring steps: quality assessment, performance
// recording, and cost recording, in that order. Cost is only ever recorded
// after both monitors accepted the response.
func (g *Guardian) settle(ctx context.Context, span trace.Span, reqCtx *guardian.RequestContext, resp *guardian.Response) error {
	if g.cfg.MonitoringEnabled() {
		// Step 7: quality assessment annotates the response in place.
		if _, err := g.assessor.Assess(resp, reqCtx); err != nil {
			return err
		}
		span.AddEvent("quality_assessed")
		if g.metrics != nil {
			g.metrics.QualityScore.Observe(resp.QualityScore)
		}

		// Step 8: performance recording; may reject on per-request budget.
		promptTokens, completionTokens := tokenSplit(resp)
		if _, err := g.recorder.Record(resp, reqCtx, promptTokens, completionTokens); err != nil {
			return err
		}
		span.AddEvent("performance_recorded")
	}

	// Step 9: charge the ledgers. Reached only on monitored success.
	g.limiter.RecordCost(reqCtx.UserID, reqCtx.SessionID, resp.CostUSD)
	if g.metrics != nil {
		g.metrics.TokensProcessed.WithLabelValues(resp.Provider, resp.Model).Add(float64(resp.TokensUsed))
		g.metrics.CostTotal.WithLabelValues(resp.Provider, resp.Model).Add(resp.CostUSD)
	}
	if g.usage != nil {
		g.usage.Record(guardian.UsageRecord{
			RequestID:    reqCtx.RequestID,
			UserID:       reqCtx.UserID,
			SessionID:    reqCtx.SessionID,
			Provider:     resp.Provider,
			Model:        resp.Model,
			TokensUsed:   resp.TokensUsed,
			CostUSD:      resp.CostUSD,
			LatencyMS:    resp.LatencyMS,
			QualityScore: resp.QualityScore,
			CreatedAt:    resp.Timestamp,
		})
	}
	span.AddEvent("cost_recorded")
	return nil
}

// fallbackForCriticalOutput reroutes a request whose output was rejected as
// critical. The rejection is audited as an error, the fallback response as a
// response; this is the one path that produces both events for a request.
func (g *Guardian) fallbackForCriticalOutput(ctx context.Context, span trace.Span, reqCtx *guardian.RequestContext, resp *guardian.Response, result guardian.ValidationResult, providerName string, alreadyFellBack bool) (*guardian.Response, error) {
	valErr := fmt.Errorf("%w: output rejected (%s): %s",
		guardian.ErrContentPolicy, result.Severity, firstOr(result.Errors, "critical output"))

	// Fallback is attempted exactly once per request.
	if alreadyFellBack || !g.fallbackEligible(providerName) {
		return nil, g.fail(reqCtx, valErr, auditContext(alreadyFellBack))
	}

	// Audit the rejection, then reroute.
	if g.journal != nil {
		g.journal.Error(reqCtx.RequestID, valErr, map[string]any{"fallback_attempted": true})
	}
	span.AddEvent("fallback_attempted")

	fbResp, fbErr := g.callProvider(ctx, reqCtx, g.cfg.FallbackProvider, g.cfg.FallbackModel)
	if fbErr != nil {
		wrapped := &guardian.FallbackError{Primary: valErr, Fallback: fbErr}
		// The rejection is already audited; audit the fallback failure too.
		if g.journal != nil {
			g.journal.Error(reqCtx.RequestID, wrapped, map[string]any{"fallback_attempted": true})
		}
		return nil, wrapped
	}
	if err := g.settle(ctx, span, reqCtx, fbResp); err != nil {
		return nil, g.fail(reqCtx, err, auditContext(true))
	}

	// No recursive fallback: a critical fallback output is a hard failure.
	fbResult := g.output.Validate(fbResp)
	if !fbResult.IsValid && fbResult.Severity == guardian.SeverityCritical {
		err := fmt.Errorf("%w: fallback output rejected (%s)", guardian.ErrContentPolicy, fbResult.Severity)
		return nil, g.fail(reqCtx, err, auditContext(true))
	}
	return fbResp, nil
}

// fail audits an error exactly once and returns it.
func (g *Guardian) fail(reqCtx *guardian.RequestContext, err error, extra map[string]any) error {
	if g.journal != nil {
		g.journal.Error(reqCtx.RequestID, err, extra)
	}
	return err
}

func (g *Guardian) fallbackEligible(currentProvider string) bool {
	return g.cfg.FallbackProvider != "" && g.cfg.FallbackProvider != currentProvider
}

func (g *Guardian) saveCheckpoint(reqCtx *guardian.RequestContext, stage string, data map[string]string) {
	if _, err := g.checkpoints.Save(reqCtx, stage, data); err != nil {
		// Checkpoints are best-effort; the request must not die here.
		slog.Warn("checkpoint save failed",
			"request_id", reqCtx.RequestID,
			"stage", stage,
			"error", err,
		)
	}
}

func auditContext(fallbackUsed bool) map[string]any {
	if !fallbackUsed {
		return nil
	}
	return map[string]any{"fallback_attempted": true}
}

// tokenSplit recovers the prompt/completion token split from the raw provider
// payload. Providers disagree on field names; unknown shapes report the whole
// count as completion tokens.
func tokenSplit(resp *guardian.Response) (prompt, completion int) {
	if len(resp.RawResponse) > 0 {
		usage := gjson.GetBytes(resp.RawResponse, "usage")
		if usage.Exists() {
			prompt = int(usage.Get("prompt_tokens").Int())
			if prompt == 0 {
				prompt = int(usage.Get("input_tokens").Int())
			}
			completion = int(usage.Get("completion_tokens").Int())
			if completion == 0 {
				completion = int(usage.Get("output_tokens").Int())
			}
		}
	}
	if prompt == 0 && completion == 0 {
		completion = resp.TokensUsed
	}
	return prompt, completion
}

// breakerGauge maps breaker states onto the metric scale documented in
// telemetry: 0=closed, 1=half-open, 2=open.
func breakerGauge(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 2
	case circuitbreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func rejectType(err error) string {
	switch guardian.ErrorKind(err) {
	case "RateLimitExceededError":
		return "rate"
	case "SessionBudgetExceededError":
		return "session_budget"
	case "QuotaExceededError":
		return "daily_quota"
	default:
		return "other"
	}
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}

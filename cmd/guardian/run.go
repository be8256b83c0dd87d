package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/llm-guardian/guardian/internal/app"
	"github.com/llm-guardian/guardian/internal/audit"
	"github.com/llm-guardian/guardian/internal/checkpoint"
	"github.com/llm-guardian/guardian/internal/circuitbreaker"
	"github.com/llm-guardian/guardian/internal/config"
	"github.com/llm-guardian/guardian/internal/monitor"
	"github.com/llm-guardian/guardian/internal/provider"
	"github.com/llm-guardian/guardian/internal/provider/anthropic"
	"github.com/llm-guardian/guardian/internal/provider/openai"
	"github.com/llm-guardian/guardian/internal/quality"
	"github.com/llm-guardian/guardian/internal/ratelimit"
	"github.com/llm-guardian/guardian/internal/retry"
	"github.com/llm-guardian/guardian/internal/server"
	"github.com/llm-guardian/guardian/internal/storage/sqlite"
	"github.com/llm-guardian/guardian/internal/telemetry"
	"github.com/llm-guardian/guardian/internal/validate"
	"github.com/llm-guardian/guardian/internal/worker"
)

// providerTimeout is the hard per-call HTTP timeout for upstream providers.
const providerTimeout = 120 * time.Second

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.SafetyChecksEnabled() {
		if err := cfg.ValidateRequiredKeys(); err != nil {
			return err
		}
	}

	slog.Info("starting guardian", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Durable state: audit journal and checkpoint store
	journal, err := audit.NewJournal(cfg.AuditLogPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	checkpoints, err := checkpoint.NewStore(cfg.StateStoragePath)
	if err != nil {
		return err
	}

	// Telemetry
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Alert fan-out: journal + database + metrics, off the request path.
	var counter worker.AlertCounter
	if metrics != nil {
		counter = metrics
	}
	alerts := worker.NewAlertRecorder(journal, store, counter)

	// Protective components
	assessor := quality.NewAssessor(cfg.Monitoring.QualityAlertThreshold, alerts)
	recorder := monitor.NewRecorder(monitor.Config{
		LatencyThresholdMS:     cfg.Monitoring.PerformanceAlertThresholdMS,
		EnableAnomalyDetection: cfg.Monitoring.AnomalyDetectionEnabled(),
	}, alerts)
	limiter := ratelimit.New(ratelimit.Config{
		GlobalRequestsPerMinute: cfg.RateLimits.GlobalMaxRequestsPerMinute,
		UserRequestsPerMinute:   cfg.RateLimits.UserMaxRequestsPerMinute,
		UserDailyQuotaUSD:       cfg.RateLimits.UserDailyQuotaUSD,
		SessionBudgetUSD:        cfg.RateLimits.SessionBudgetUSD,
	})
	breakers := circuitbreaker.NewMultiBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.Safety.CircuitBreakerThreshold,
		RecoveryTimeout:  time.Duration(cfg.Safety.CircuitRecoverySeconds) * time.Second,
		SuccessThreshold: 2,
	})
	retrier := retry.New(retry.Config{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialDelay:    cfg.Retry.InitialDelaySeconds,
		MaxDelay:        cfg.Retry.MaxDelaySeconds,
		ExponentialBase: cfg.Retry.ExponentialBase,
		Jitter:          cfg.Retry.JitterEnabled(),
	})

	// Register providers behind a shared DNS-cached HTTP client.
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)
	httpClient := provider.NewHTTPClient(resolver, providerTimeout)

	registry := provider.NewRegistry()
	if cfg.OpenAIAPIKey != "" {
		registry.Register(openai.New(cfg.OpenAIAPIKey, "", httpClient))
	}
	if cfg.AnthropicAPIKey != "" {
		registry.Register(anthropic.New(cfg.AnthropicAPIKey, "", httpClient))
	}

	// Background workers
	usage := worker.NewUsageRecorder(store)
	runner := worker.NewRunner(
		usage,
		alerts,
		worker.NewQuotaSyncWorker(limiter, store),
		worker.NewCheckpointSweeper(checkpoints),
	)
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(ctx) }()

	if metrics != nil {
		go watchUsageQueue(ctx, metrics, usage)
	}

	g := app.New(app.Options{
		Config:      cfg,
		Providers:   registry,
		Limiter:     limiter,
		Breakers:    breakers,
		Retrier:     retrier,
		Input:       validate.NewInputValidator(cfg.Safety.MaxPromptLength),
		Output:      validate.NewOutputValidator(),
		Assessor:    assessor,
		Recorder:    recorder,
		Checkpoints: checkpoints,
		Journal:     journal,
		Usage:       usage,
		Metrics:     metrics,
	})

	handler := server.New(server.Deps{
		Guardian:        g,
		Breakers:        breakers,
		Limiter:         limiter,
		Assessor:        assessor,
		Recorder:        recorder,
		ReadyCheck:      store.Ping,
		Metrics:         metrics,
		MetricsHandler:  metricsHandler,
		DefaultProvider: cfg.DefaultProvider,
		DefaultModel:    cfg.DefaultModel,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("guardian ready", "addr", cfg.Server.Addr, "providers", registry.List())

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Stop accepting requests, then let the workers drain their queues.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	cancel()
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("worker shutdown", "error", err)
	}

	slog.Info("guardian stopped")
	return nil
}

// refreshDNS re-resolves cached provider hostnames every 5 minutes.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}

// watchUsageQueue samples the usage recorder's backlog into a gauge.
func watchUsageQueue(ctx context.Context, m *telemetry.Metrics, u *worker.UsageRecorder) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UsageQueueLength.Set(float64(u.QueueLength()))
		}
	}
}

// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	guardian "github.com/llm-guardian/guardian/internal"
)

// Config is the top-level guardian configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Safety     SafetyConfig     `yaml:"safety"`
	RateLimits RateLimitConfig  `yaml:"rate_limiting"`
	Retry      RetryConfig      `yaml:"retry_strategy"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	// Provider credentials. Values support ${VAR} expansion.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	// Storage paths.
	StateStoragePath string `yaml:"state_storage_path"`
	AuditLogPath     string `yaml:"audit_log_path"`

	// Routing. Default* apply when a request names no provider or model;
	// Fallback* receive rerouted traffic on provider failure or critical
	// output rejection.
	DefaultProvider  string `yaml:"default_provider"`
	DefaultModel     string `yaml:"default_model"`
	FallbackProvider string `yaml:"fallback_provider"`
	FallbackModel    string `yaml:"fallback_model"`

	// Feature flags.
	EnableMonitoring   *bool `yaml:"enable_monitoring"`
	EnableSafetyChecks *bool `yaml:"enable_safety_checks"`
	EnableRecovery     *bool `yaml:"enable_recovery"`
}

// MonitoringConfig holds quality and performance monitoring settings.
type MonitoringConfig struct {
	QualityAlertThreshold       float64 `yaml:"quality_alert_threshold"`
	PerformanceAlertThresholdMS float64 `yaml:"performance_alert_threshold_ms"`
	EnableAnomalyDetection      *bool   `yaml:"enable_anomaly_detection"`
	MetricsRetentionDays        int     `yaml:"metrics_retention_days"`
}

// SafetyConfig holds circuit breaker and content filtering settings.
type SafetyConfig struct {
	CircuitBreakerThreshold int   `yaml:"circuit_breaker_threshold"`
	CircuitRecoverySeconds  int   `yaml:"circuit_recovery_seconds"`
	MaxPromptLength         int   `yaml:"max_prompt_length"`
	EnableContentFiltering  *bool `yaml:"enable_content_filtering"`
}

// RateLimitConfig holds rate limiting and quota settings.
type RateLimitConfig struct {
	GlobalMaxRequestsPerMinute int     `yaml:"global_max_requests_per_minute"`
	UserMaxRequestsPerMinute   int     `yaml:"user_max_requests_per_minute"`
	UserDailyQuotaUSD          float64 `yaml:"user_daily_quota_usd"`
	SessionBudgetUSD           float64 `yaml:"session_budget_usd"`
}

// RetryConfig holds retry strategy settings.
type RetryConfig struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialDelaySeconds float64 `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `yaml:"max_delay_seconds"`
	ExponentialBase     float64 `yaml:"exponential_base"`
	EnableJitter        *bool   `yaml:"enable_jitter"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ServerConfig holds HTTP server settings for the operational API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings for usage persistence.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // SQLite database file path
}

// boolOrDefault resolves an optional flag (nil = default).
func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// MonitoringEnabled reports whether monitoring features are on (default true).
func (c *Config) MonitoringEnabled() bool { return boolOrDefault(c.EnableMonitoring, true) }

// SafetyChecksEnabled reports whether safety checks are on (default true).
func (c *Config) SafetyChecksEnabled() bool { return boolOrDefault(c.EnableSafetyChecks, true) }

// RecoveryEnabled reports whether checkpointing is on (default true).
func (c *Config) RecoveryEnabled() bool { return boolOrDefault(c.EnableRecovery, true) }

// AnomalyDetectionEnabled reports whether anomaly alerts are on (default true).
func (m *MonitoringConfig) AnomalyDetectionEnabled() bool {
	return boolOrDefault(m.EnableAnomalyDetection, true)
}

// ContentFilteringEnabled reports whether content filtering is on (default true).
func (s *SafetyConfig) ContentFilteringEnabled() bool {
	return boolOrDefault(s.EnableContentFiltering, true)
}

// JitterEnabled reports whether retry jitter is on (default true).
func (r *RetryConfig) JitterEnabled() bool { return boolOrDefault(r.EnableJitter, true) }

// ValidateRequiredKeys checks that at least one provider credential is
// configured. Called when safety checks are enabled.
func (c *Config) ValidateRequiredKeys() error {
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: set anthropic_api_key or openai_api_key", guardian.ErrMissingAPIKey)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns a Config populated with all documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "guardian.db",
		},
		Monitoring: MonitoringConfig{
			QualityAlertThreshold:       0.6,
			PerformanceAlertThresholdMS: 5000,
			MetricsRetentionDays:        30,
		},
		Safety: SafetyConfig{
			CircuitBreakerThreshold: 5,
			CircuitRecoverySeconds:  60,
			MaxPromptLength:         100_000,
		},
		RateLimits: RateLimitConfig{
			GlobalMaxRequestsPerMinute: 1000,
			UserMaxRequestsPerMinute:   60,
			UserDailyQuotaUSD:          100.0,
			SessionBudgetUSD:           10.0,
		},
		Retry: RetryConfig{
			MaxAttempts:         3,
			InitialDelaySeconds: 1.0,
			MaxDelaySeconds:     60.0,
			ExponentialBase:     2.0,
		},
		StateStoragePath: "guardian-state",
		AuditLogPath:     "guardian-audit",
		DefaultProvider:  "anthropic",
		DefaultModel:     "claude-3-5-sonnet-20241022",
		FallbackProvider: "openai",
		FallbackModel:    "gpt-4o-mini",
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

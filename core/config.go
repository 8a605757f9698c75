// Configuration for the coordination pipeline.
//
// Configuration follows a three-layer priority model:
//
//  1. Defaults      - sensible values from DefaultConfig()
//  2. Environment   - PRPLINE_* variables (plus standard REDIS_URL)
//  3. Options       - functional options passed to NewConfig()
//
// Later layers override earlier ones. A YAML config file can be overlaid at
// any point with LoadConfigFile or the WithConfigFile option; it slots in
// between environment and options.
//
// Usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithRedisURL("redis://localhost:6379"),
//	    core.WithNamespace("prpline"),
//	    core.WithRetryCeiling(5),
//	)
package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for every pipeline component.
type Config struct {
	// Name identifies this process in logs and telemetry
	Name string `json:"name" yaml:"name" env:"PRPLINE_NAME" default:"prpline"`

	// Namespace prefixes every store key, isolating deployments that share
	// a Redis instance
	Namespace string `json:"namespace" yaml:"namespace" env:"PRPLINE_NAMESPACE" default:"prpline"`

	Redis        RedisConfig        `json:"redis" yaml:"redis"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`
	Watchdog     WatchdogConfig     `json:"watchdog" yaml:"watchdog"`
	Agent        AgentConfig        `json:"agent" yaml:"agent"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Evidence     EvidenceConfig     `json:"evidence" yaml:"evidence"`
	Resilience   ResilienceConfig   `json:"resilience" yaml:"resilience"`
	Telemetry    TelemetryConfig    `json:"telemetry" yaml:"telemetry"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Development  DevelopmentConfig  `json:"development" yaml:"development"`
}

// RedisConfig configures the store connection.
type RedisConfig struct {
	URL string `json:"url" yaml:"url" env:"PRPLINE_REDIS_URL" default:"redis://localhost:6379"`
	DB  int    `json:"db" yaml:"db" env:"PRPLINE_REDIS_DB" default:"0"`
}

// QueueConfig configures stage queue behavior.
type QueueConfig struct {
	// ClaimTimeout bounds the blocking pop an agent uses to wait for work
	ClaimTimeout time.Duration `json:"claim_timeout" yaml:"claim_timeout" env:"PRPLINE_CLAIM_TIMEOUT" default:"10s"`
}

// WatchdogConfig configures the orphan reaper.
type WatchdogConfig struct {
	// ScanInterval is how often inflight lists and task records are scanned
	ScanInterval time.Duration `json:"scan_interval" yaml:"scan_interval" env:"PRPLINE_WATCHDOG_SCAN_INTERVAL" default:"60s"`

	// InflightTimeout is how long a claimed task may sit inflight before
	// it is considered stuck and requeued
	InflightTimeout time.Duration `json:"inflight_timeout" yaml:"inflight_timeout" env:"PRPLINE_INFLIGHT_TIMEOUT" default:"30m"`

	// RetryCeiling caps retry_count; 0 means unbounded retries. When a
	// recovery would exceed the ceiling the task is failed instead of
	// requeued.
	RetryCeiling int `json:"retry_ceiling" yaml:"retry_ceiling" env:"PRPLINE_RETRY_CEILING" default:"0"`
}

// AgentConfig configures agent runtime pools.
type AgentConfig struct {
	// Workers is the number of concurrent worker loops per pool
	Workers int `json:"workers" yaml:"workers" env:"PRPLINE_AGENT_WORKERS" default:"2"`

	// HeartbeatTTL expires an agent's record when it stops beating
	HeartbeatTTL time.Duration `json:"heartbeat_ttl" yaml:"heartbeat_ttl" env:"PRPLINE_HEARTBEAT_TTL" default:"90s"`

	// StopTimeout bounds how long Stop waits for in-flight work to drain
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout" env:"PRPLINE_AGENT_STOP_TIMEOUT" default:"30s"`
}

// OrchestratorConfig configures the supervisory loop.
type OrchestratorConfig struct {
	// Interval is how often queue depths and agent health are sampled
	Interval time.Duration `json:"interval" yaml:"interval" env:"PRPLINE_ORCHESTRATOR_INTERVAL" default:"30s"`

	// HeartbeatStaleAfter flags an agent as down when its last activity is
	// older than this
	HeartbeatStaleAfter time.Duration `json:"heartbeat_stale_after" yaml:"heartbeat_stale_after" env:"PRPLINE_HEARTBEAT_STALE_AFTER" default:"270s"`

	// DepthAlertThreshold triggers a scaling_needed notification when a
	// stage queue grows past it; 0 disables the alert
	DepthAlertThreshold int64 `json:"depth_alert_threshold" yaml:"depth_alert_threshold" env:"PRPLINE_DEPTH_ALERT_THRESHOLD" default:"100"`
}

// EvidenceConfig carries the per-transition requirement overrides in the
// compact form ("field" or "field=true") understood by ParsePolicySpec.
// Entries replace the baseline policy for their transition type; absent
// transitions keep the defaults.
type EvidenceConfig struct {
	Requirements map[string][]string `json:"requirements" yaml:"requirements"`
}

// ResilienceConfig groups retry and circuit breaker settings for store calls.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
}

// CircuitBreakerConfig defines circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled" env:"PRPLINE_CB_ENABLED" default:"false"`
	Threshold        int           `json:"threshold" yaml:"threshold" env:"PRPLINE_CB_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" env:"PRPLINE_CB_TIMEOUT" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" yaml:"half_open_requests" env:"PRPLINE_CB_HALF_OPEN" default:"3"`
}

// RetryConfig defines retry behavior for transient store failures.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" env:"PRPLINE_RETRY_MAX_ATTEMPTS" default:"3"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" env:"PRPLINE_RETRY_INITIAL_INTERVAL" default:"1s"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval" env:"PRPLINE_RETRY_MAX_INTERVAL" default:"30s"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier" env:"PRPLINE_RETRY_MULTIPLIER" default:"2.0"`
}

// TelemetryConfig contains OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled" env:"PRPLINE_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	Insecure       bool    `json:"insecure" yaml:"insecure" env:"PRPLINE_OTEL_INSECURE" default:"true"`
	MetricsEnabled bool    `json:"metrics_enabled" yaml:"metrics_enabled" env:"PRPLINE_METRICS_ENABLED" default:"true"`
	TracingEnabled bool    `json:"tracing_enabled" yaml:"tracing_enabled" env:"PRPLINE_TRACING_ENABLED" default:"true"`
	SamplingRate   float64 `json:"sampling_rate" yaml:"sampling_rate" env:"PRPLINE_TRACE_SAMPLING" default:"1.0"`
}

// LoggingConfig contains logging configuration.
// Supports structured (JSON) and human-readable (text) formats.
// In Kubernetes environments, JSON format is recommended for log aggregation.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"PRPLINE_LOG_LEVEL" default:"info"`
	Format     string `json:"format" yaml:"format" env:"PRPLINE_LOG_FORMAT" default:"json"`
	Output     string `json:"output" yaml:"output" env:"PRPLINE_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" yaml:"time_format" env:"PRPLINE_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.000Z07:00"`
}

// DevelopmentConfig contains settings for local development and testing.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled" env:"PRPLINE_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" yaml:"debug_logging" env:"PRPLINE_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" yaml:"pretty_logs" env:"PRPLINE_PRETTY_LOGS" default:"false"`
}

// Option is a functional option for Config.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults, adjusted for
// the detected environment (Kubernetes vs local development).
func DefaultConfig() *Config {
	cfg := &Config{
		Name:      "prpline",
		Namespace: "prpline",
		Redis: RedisConfig{
			URL: "",
			DB:  0,
		},
		Queue: QueueConfig{
			ClaimTimeout: 10 * time.Second,
		},
		Watchdog: WatchdogConfig{
			ScanInterval:    60 * time.Second,
			InflightTimeout: 30 * time.Minute,
			RetryCeiling:    0,
		},
		Agent: AgentConfig{
			Workers:      2,
			HeartbeatTTL: 90 * time.Second,
			StopTimeout:  30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Interval:            30 * time.Second,
			HeartbeatStaleAfter: 270 * time.Second,
			DepthAlertThreshold: 100,
		},
		Evidence: EvidenceConfig{},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				Threshold:        5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 3,
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
		Development: DevelopmentConfig{},
	}

	cfg.DetectEnvironment()

	return cfg
}

// DetectEnvironment adjusts defaults based on the detected environment.
// Called automatically by DefaultConfig().
//
// Detection criteria:
//   - Kubernetes: KUBERNETES_SERVICE_HOST environment variable is set
//   - Local: no Kubernetes environment variables detected
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Redis.URL = "redis://redis.default.svc.cluster.local:6379"
		c.Logging.Format = "json"
		return
	}

	c.Redis.URL = "redis://localhost:6379"
	if os.Getenv("PRPLINE_DEV_MODE") == "" {
		c.Development.Enabled = true
		c.Development.PrettyLogs = true
		c.Logging.Format = "text"
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden by
// functional options.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PRPLINE_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("PRPLINE_NAMESPACE"); v != "" {
		c.Namespace = v
	}

	// Store settings
	if v := os.Getenv("PRPLINE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("PRPLINE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}

	// Queue settings
	if v := os.Getenv("PRPLINE_CLAIM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Queue.ClaimTimeout = d
		}
	}

	// Watchdog settings
	if v := os.Getenv("PRPLINE_WATCHDOG_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Watchdog.ScanInterval = d
		}
	}
	if v := os.Getenv("PRPLINE_INFLIGHT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Watchdog.InflightTimeout = d
		}
	}
	if v := os.Getenv("PRPLINE_RETRY_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Watchdog.RetryCeiling = n
		}
	}

	// Agent settings
	if v := os.Getenv("PRPLINE_AGENT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.Workers = n
		}
	}
	if v := os.Getenv("PRPLINE_HEARTBEAT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Agent.HeartbeatTTL = d
		}
	}
	if v := os.Getenv("PRPLINE_AGENT_STOP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Agent.StopTimeout = d
		}
	}

	// Orchestrator settings
	if v := os.Getenv("PRPLINE_ORCHESTRATOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestrator.Interval = d
		}
	}
	if v := os.Getenv("PRPLINE_HEARTBEAT_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestrator.HeartbeatStaleAfter = d
		}
	}
	if v := os.Getenv("PRPLINE_DEPTH_ALERT_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Orchestrator.DepthAlertThreshold = n
		}
	}

	// Resilience settings
	if v := os.Getenv("PRPLINE_CB_ENABLED"); v != "" {
		c.Resilience.CircuitBreaker.Enabled = parseBool(v)
	}
	if v := os.Getenv("PRPLINE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.Retry.MaxAttempts = n
		}
	}

	// Telemetry settings
	if v := os.Getenv("PRPLINE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("PRPLINE_OTEL_INSECURE"); v != "" {
		c.Telemetry.Insecure = parseBool(v)
	}

	// Logging settings
	if v := os.Getenv("PRPLINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PRPLINE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PRPLINE_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}

	// Development settings
	if v := os.Getenv("PRPLINE_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
	}
	if v := os.Getenv("PRPLINE_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}
	if v := os.Getenv("PRPLINE_PRETTY_LOGS"); v != "" {
		c.Development.PrettyLogs = parseBool(v)
	}

	return nil
}

// LoadConfigFile overlays values from a YAML file onto the config. Zero
// values in the file leave the current values untouched only for sections
// the file omits entirely; an explicitly present field always wins.
func (c *Config) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &PipelineError{
			Op: "Config.LoadConfigFile", Kind: "config",
			Message: fmt.Sprintf("cannot read config file %s: %v", path, err),
			Err:     ErrInvalidConfiguration,
		}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &PipelineError{
			Op: "Config.LoadConfigFile", Kind: "config",
			Message: fmt.Sprintf("cannot parse config file %s: %v", path, err),
			Err:     ErrInvalidConfiguration,
		}
	}
	return nil
}

// EvidencePolicy builds the effective policy: defaults overlaid with the
// configured requirement overrides.
func (c *Config) EvidencePolicy() (EvidencePolicy, error) {
	policy := DefaultEvidencePolicy()
	if len(c.Evidence.Requirements) == 0 {
		return policy, nil
	}
	overrides, err := ParsePolicySpec(c.Evidence.Requirements)
	if err != nil {
		return nil, err
	}
	for tt, rules := range overrides {
		policy[tt] = rules
	}
	return policy, nil
}

// Validate checks the final configuration for consistency.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &PipelineError{
			Op: "Config.Validate", Kind: "config",
			Message: "name is required",
			Err:     ErrMissingConfiguration,
		}
	}
	if c.Namespace == "" || strings.ContainsAny(c.Namespace, " \t\n") {
		return &PipelineError{
			Op: "Config.Validate", Kind: "config",
			Message: fmt.Sprintf("invalid namespace %q", c.Namespace),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Redis.URL == "" {
		return &PipelineError{
			Op: "Config.Validate", Kind: "config",
			Message: "redis URL is required",
			Err:     ErrMissingConfiguration,
		}
	}
	if c.Queue.ClaimTimeout <= 0 {
		return &PipelineError{
			Op: "Config.Validate", Kind: "config",
			Message: "claim timeout must be positive",
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Watchdog.ScanInterval <= 0 || c.Watchdog.InflightTimeout <= 0 {
		return &PipelineError{
			Op: "Config.Validate", Kind: "config",
			Message: "watchdog intervals must be positive",
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Watchdog.RetryCeiling < 0 {
		return &PipelineError{
			Op: "Config.Validate", Kind: "config",
			Message: fmt.Sprintf("retry ceiling must be >= 0, got %d", c.Watchdog.RetryCeiling),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Agent.Workers < 1 {
		return &PipelineError{
			Op: "Config.Validate", Kind: "config",
			Message: fmt.Sprintf("agent workers must be >= 1, got %d", c.Agent.Workers),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return &PipelineError{
			Op: "Config.Validate", Kind: "config",
			Message: "telemetry endpoint is required when telemetry is enabled",
			Err:     ErrMissingConfiguration,
		}
	}
	if _, err := c.EvidencePolicy(); err != nil {
		return err
	}
	return nil
}

// NewConfig creates a validated configuration from defaults, environment
// variables, and functional options, in that priority order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// WithName sets the process name used in logs and telemetry.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithNamespace sets the store key namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		if namespace == "" {
			return fmt.Errorf("namespace cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Namespace = namespace
		return nil
	}
}

// WithRedisURL sets the store connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithRedisDB selects the Redis database number.
func WithRedisDB(db int) Option {
	return func(c *Config) error {
		if db < 0 {
			return fmt.Errorf("redis db must be >= 0: %w", ErrInvalidConfiguration)
		}
		c.Redis.DB = db
		return nil
	}
}

// WithClaimTimeout sets the agent blocking-pop timeout.
func WithClaimTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Queue.ClaimTimeout = d
		return nil
	}
}

// WithScanInterval sets the watchdog scan period.
func WithScanInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.Watchdog.ScanInterval = d
		return nil
	}
}

// WithInflightTimeout sets the inflight staleness threshold.
func WithInflightTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Watchdog.InflightTimeout = d
		return nil
	}
}

// WithRetryCeiling caps retry_count; 0 keeps retries unbounded.
func WithRetryCeiling(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("retry ceiling must be >= 0: %w", ErrInvalidConfiguration)
		}
		c.Watchdog.RetryCeiling = n
		return nil
	}
}

// WithWorkers sets the agent pool size.
func WithWorkers(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("workers must be >= 1: %w", ErrInvalidConfiguration)
		}
		c.Agent.Workers = n
		return nil
	}
}

// WithHeartbeatTTL sets the agent record expiry.
func WithHeartbeatTTL(d time.Duration) Option {
	return func(c *Config) error {
		c.Agent.HeartbeatTTL = d
		return nil
	}
}

// WithOrchestratorInterval sets the supervisory sampling period.
func WithOrchestratorInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.Orchestrator.Interval = d
		return nil
	}
}

// WithDepthAlertThreshold sets the queue depth that triggers a
// scaling_needed notification; 0 disables the alert.
func WithDepthAlertThreshold(n int64) Option {
	return func(c *Config) error {
		c.Orchestrator.DepthAlertThreshold = n
		return nil
	}
}

// WithEvidenceRequirement overrides the required fields for one transition
// type, using the compact rule form ("field" or "field=true").
func WithEvidenceRequirement(tt TransitionType, rules ...string) Option {
	return func(c *Config) error {
		if _, ok := RouteFor(tt); !ok {
			return fmt.Errorf("unknown transition type %q: %w", tt, ErrInvalidConfiguration)
		}
		if c.Evidence.Requirements == nil {
			c.Evidence.Requirements = make(map[string][]string)
		}
		c.Evidence.Requirements[string(tt)] = rules
		return nil
	}
}

// WithCircuitBreaker enables the circuit breaker on store calls.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.CircuitBreaker.Enabled = true
		c.Resilience.CircuitBreaker.Threshold = threshold
		c.Resilience.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// WithRetry configures retry behavior for transient store failures.
func WithRetry(maxAttempts int, initialInterval time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.Retry.MaxAttempts = maxAttempts
		c.Resilience.Retry.InitialInterval = initialInterval
		return nil
	}
}

// WithTelemetry enables OpenTelemetry export to the given endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		if endpoint != "" {
			c.Telemetry.Endpoint = endpoint
		}
		return nil
	}
}

// WithLogLevel sets the minimum log level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "warning", "error":
			c.Logging.Level = level
			return nil
		}
		return fmt.Errorf("invalid log level %q: %w", level, ErrInvalidConfiguration)
	}
}

// WithLogFormat sets the log format (json or text).
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		switch strings.ToLower(format) {
		case "json", "text":
			c.Logging.Format = format
			return nil
		}
		return fmt.Errorf("invalid log format %q: %w", format, ErrInvalidConfiguration)
	}
}

// WithConfigFile overlays a YAML config file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadConfigFile(path)
	}
}

// WithDevelopmentMode toggles development defaults.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.DebugLogging = true
			c.Development.PrettyLogs = true
		}
		return nil
	}
}

// Helper functions

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
// Everything else is false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

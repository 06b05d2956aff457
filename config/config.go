package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root tuning structure for the engine. All durations accept
// Go duration strings in config files ("250ms", "5s").
type Config struct {
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Model     ModelConfig     `mapstructure:"model"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Collab    CollabConfig    `mapstructure:"collab"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ScoringConfig tunes the router's composite agent score and the registry's
// binding score. The four weights should sum to 1; Validate enforces a small
// tolerance.
type ScoringConfig struct {
	// Smoothing is the EMA weight for new latency/success samples.
	Smoothing float64 `mapstructure:"smoothing"`
	// LatencyBaseline anchors latency normalization in binding scores.
	LatencyBaseline time.Duration `mapstructure:"latency_baseline"`

	// Composite score weights, mirroring capability match, agent
	// performance, load headroom and priority affinity.
	CapabilityWeight  float64 `mapstructure:"capability_weight"`
	PerformanceWeight float64 `mapstructure:"performance_weight"`
	LoadWeight        float64 `mapstructure:"load_weight"`
	PriorityWeight    float64 `mapstructure:"priority_weight"`

	// UrgentSuccessFloor gates urgent tasks to agents whose smoothed success
	// rate meets this threshold.
	UrgentSuccessFloor float64 `mapstructure:"urgent_success_floor"`

	// Strategy selects the routing strategy: best_match, least_loaded or
	// round_robin.
	Strategy string `mapstructure:"strategy"`
}

// AllocatorConfig tunes the dispatch loop.
type AllocatorConfig struct {
	// QueueCapacity bounds the pending queue; 0 means unbounded.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// DispatchRetries is how many times a task is requeued after
	// NoEligibleAgent before failing with NoCapacity.
	DispatchRetries int `mapstructure:"dispatch_retries"`
	// RetryDelay is the base delay before a requeued task becomes
	// dispatchable again; it grows exponentially per attempt.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// DefaultTaskTimeout applies to tasks submitted without one.
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout"`
}

// ModelConfig tunes model invocation: pooling, retry, fallback and the
// per-model circuit breaker.
type ModelConfig struct {
	// MaxConcurrent bounds in-flight calls per model; callers block (subject
	// to their context) when the pool is exhausted.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// CallTimeout bounds a single backend call attempt.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// MaxRetries bounds transient-error retries per binding before falling
	// back to the next-ranked binding.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// RatePerSecond optionally rate limits calls per model; 0 disables.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	// RateBurst is the limiter burst when rate limiting is enabled.
	RateBurst int `mapstructure:"rate_burst"`
	// BreakerFailures is the consecutive-failure count that opens a model's
	// circuit breaker.
	BreakerFailures uint32 `mapstructure:"breaker_failures"`
	// BreakerOpenFor is how long an open breaker rejects calls before
	// probing again.
	BreakerOpenFor time.Duration `mapstructure:"breaker_open_for"`
}

// LifecycleConfig tunes agent state management.
type LifecycleConfig struct {
	// MaxRecoveryAttempts bounds fault recovery before the agent lands in
	// terminal Error.
	MaxRecoveryAttempts int `mapstructure:"max_recovery_attempts"`
	// RecoveryBaseDelay seeds the exponential backoff between recovery
	// attempts.
	RecoveryBaseDelay time.Duration `mapstructure:"recovery_base_delay"`
	// DrainTimeout is how long Stop waits for in-flight tasks before
	// force-cancelling them.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// DefaultMaxConcurrent caps in-flight tasks per agent when the agent
	// declaration does not set one.
	DefaultMaxConcurrent int `mapstructure:"default_max_concurrent"`
}

// CollabConfig tunes collaboration sessions.
type CollabConfig struct {
	// SessionTimeout bounds a whole session including peer-to-peer waits.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	// SubTaskPriority is the priority sub-tasks inherit when the request
	// does not set one.
	SubTaskPriority int `mapstructure:"subtask_priority"`
}

// LoggerConfig selects the built-in logger's behavior.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

// Default returns the documented baseline configuration.
func Default() Config {
	return Config{
		Scoring: ScoringConfig{
			Smoothing:          0.2,
			LatencyBaseline:    time.Second,
			CapabilityWeight:   0.4,
			PerformanceWeight:  0.3,
			LoadWeight:         0.2,
			PriorityWeight:     0.1,
			UrgentSuccessFloor: 0.7,
			Strategy:           "best_match",
		},
		Allocator: AllocatorConfig{
			QueueCapacity:      0,
			DispatchRetries:    3,
			RetryDelay:         250 * time.Millisecond,
			DefaultTaskTimeout: 60 * time.Second,
		},
		Model: ModelConfig{
			MaxConcurrent:   8,
			CallTimeout:     30 * time.Second,
			MaxRetries:      3,
			RetryBaseDelay:  200 * time.Millisecond,
			RatePerSecond:   0,
			RateBurst:       1,
			BreakerFailures: 5,
			BreakerOpenFor:  30 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			MaxRecoveryAttempts:  3,
			RecoveryBaseDelay:    500 * time.Millisecond,
			DrainTimeout:         10 * time.Second,
			DefaultMaxConcurrent: 10,
		},
		Collab: CollabConfig{
			SessionTimeout:  5 * time.Minute,
			SubTaskPriority: 2,
		},
		Logger: LoggerConfig{Level: "info", Format: "json"},
	}
}

// Load reads a config file, layering it over Default. The path may be empty,
// in which case only environment overrides apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects impossible tunings early, before they surface as
// mysterious runtime behavior.
func (c Config) Validate() error {
	if c.Scoring.Smoothing <= 0 || c.Scoring.Smoothing > 1 {
		return fmt.Errorf("scoring.smoothing must be in (0,1], got %v", c.Scoring.Smoothing)
	}
	sum := c.Scoring.CapabilityWeight + c.Scoring.PerformanceWeight +
		c.Scoring.LoadWeight + c.Scoring.PriorityWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("scoring weights must sum to 1, got %v", sum)
	}
	switch c.Scoring.Strategy {
	case "best_match", "least_loaded", "round_robin":
	default:
		return fmt.Errorf("unknown scoring.strategy %q", c.Scoring.Strategy)
	}
	if c.Allocator.DispatchRetries < 0 {
		return fmt.Errorf("allocator.dispatch_retries must be >= 0")
	}
	if c.Model.MaxConcurrent <= 0 {
		return fmt.Errorf("model.max_concurrent must be > 0")
	}
	if c.Model.MaxRetries < 0 {
		return fmt.Errorf("model.max_retries must be >= 0")
	}
	if c.Lifecycle.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("lifecycle.max_recovery_attempts must be >= 0")
	}
	if c.Collab.SessionTimeout <= 0 {
		return fmt.Errorf("collab.session_timeout must be > 0")
	}
	return nil
}

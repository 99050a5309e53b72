// Package config loads orchestrator configuration from YAML with environment
// overrides. Every knob has a default so an empty file is a valid config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ConcurrencyConfig bounds parallel execution.
type ConcurrencyConfig struct {
	MaxConcurrentBatches  int `mapstructure:"max_concurrent_batches"`
	MaxConcurrentSubtasks int `mapstructure:"max_concurrent_subtasks"`
}

// RetryConfig controls the per-subtask retry loop.
type RetryConfig struct {
	MaxRetries        int     `mapstructure:"max_retries"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	InitialDelayMs    int     `mapstructure:"initial_delay_ms"`
}

// TimeoutConfig bounds individual calls and whole batches.
type TimeoutConfig struct {
	SubtaskTimeoutMs int `mapstructure:"subtask_timeout_ms"`
	BatchTimeoutMs   int `mapstructure:"batch_timeout_ms"`
}

// MultipassConfig controls validator-guided re-execution.
type MultipassConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	MaxPasses            int     `mapstructure:"max_passes"`
	ImprovementThreshold float64 `mapstructure:"improvement_threshold"`
}

// FallbackConfig controls agent substitution and circuit breaking.
type FallbackConfig struct {
	Enabled                 bool   `mapstructure:"enabled"`
	MaxFallbackDepth        int    `mapstructure:"max_fallback_depth"`
	FallbackDelayMs         int    `mapstructure:"fallback_delay_ms"`
	CircuitBreakerThreshold int    `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutMs int    `mapstructure:"circuit_breaker_timeout_ms"`
	Strategy                string `mapstructure:"strategy"`
}

// SnapshotConfig controls periodic state snapshots and recovery.
type SnapshotConfig struct {
	IntervalMs        int `mapstructure:"interval_ms"`
	MaxSnapshots      int `mapstructure:"max_snapshots"`
	RecoveryTimeoutMs int `mapstructure:"recovery_timeout_ms"`
}

// BatchingConfig controls the planner's packing pass.
type BatchingConfig struct {
	MaxBatchSize        int  `mapstructure:"max_batch_size"`
	MaxTokensPerBatch   int  `mapstructure:"max_tokens_per_batch"`
	RespectDependencies bool `mapstructure:"respect_dependencies"`
	BalanceWorkloads    bool `mapstructure:"balance_workloads"`
}

// MatcherConfig holds agent-matching weights and the cost ceiling.
type MatcherConfig struct {
	CapabilityWeight   float64 `mapstructure:"capability_weight"`
	ProficiencyWeight  float64 `mapstructure:"proficiency_weight"`
	CostWeight         float64 `mapstructure:"cost_weight"`
	AvailabilityWeight float64 `mapstructure:"availability_weight"`
	CostCeilingUSD     float64 `mapstructure:"cost_ceiling_usd"`
}

// ObservabilityConfig covers metrics exposure and logging.
type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// StoreConfig selects and configures the result-store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // memory | sqlite3 | postgres
	DSN     string `mapstructure:"dsn"`
}

// StateConfig selects the snapshot-store backend.
type StateConfig struct {
	Backend   string `mapstructure:"backend"` // memory | redis
	RedisAddr string `mapstructure:"redis_addr"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Concurrency   ConcurrencyConfig   `mapstructure:"concurrency"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Timeout       TimeoutConfig       `mapstructure:"timeout"`
	Multipass     MultipassConfig     `mapstructure:"multipass"`
	Fallback      FallbackConfig      `mapstructure:"fallback"`
	Snapshot      SnapshotConfig      `mapstructure:"snapshot"`
	Batching      BatchingConfig      `mapstructure:"batching"`
	Matcher       MatcherConfig       `mapstructure:"matcher"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Store         StoreConfig         `mapstructure:"store"`
	State         StateConfig         `mapstructure:"state"`
}

// Default returns the configuration with every knob at its documented default.
func Default() *Config {
	c := &Config{}
	c.Concurrency.MaxConcurrentBatches = 2
	c.Concurrency.MaxConcurrentSubtasks = 5
	c.Retry.MaxRetries = 3
	c.Retry.BackoffMultiplier = 2
	c.Retry.InitialDelayMs = 1000
	c.Timeout.SubtaskTimeoutMs = 300000
	c.Timeout.BatchTimeoutMs = 1800000
	c.Multipass.Enabled = true
	c.Multipass.MaxPasses = 3
	c.Multipass.ImprovementThreshold = 0.1
	c.Fallback.Enabled = true
	c.Fallback.MaxFallbackDepth = 3
	c.Fallback.FallbackDelayMs = 5000
	c.Fallback.CircuitBreakerThreshold = 5
	c.Fallback.CircuitBreakerTimeoutMs = 300000
	c.Fallback.Strategy = "capability-based"
	c.Snapshot.IntervalMs = 60000
	c.Snapshot.MaxSnapshots = 50
	c.Snapshot.RecoveryTimeoutMs = 300000
	c.Batching.MaxBatchSize = 10
	c.Batching.MaxTokensPerBatch = 8000
	c.Batching.RespectDependencies = true
	c.Batching.BalanceWorkloads = false
	c.Matcher.CapabilityWeight = 0.4
	c.Matcher.ProficiencyWeight = 0.3
	c.Matcher.CostWeight = 0.2
	c.Matcher.AvailabilityWeight = 0.1
	c.Matcher.CostCeilingUSD = 50
	c.Observability.Metrics.Enabled = true
	c.Observability.Metrics.Port = 2112
	c.Observability.Logging.Level = "info"
	c.Observability.Logging.Format = "json"
	c.Store.Backend = "memory"
	c.State.Backend = "memory"
	return c
}

// Load reads the config file at CONDUCTOR_CONFIG_PATH (or the given path),
// merges it over the defaults, applies env overrides, and validates.
func Load(path string) (*Config, error) {
	if p := os.Getenv("CONDUCTOR_CONFIG_PATH"); p != "" {
		path = p
	}

	cfg := Default()
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would wedge the executor.
func (c *Config) Validate() error {
	if c.Concurrency.MaxConcurrentBatches < 1 {
		return fmt.Errorf("concurrency.max_concurrent_batches must be >= 1, got %d", c.Concurrency.MaxConcurrentBatches)
	}
	if c.Concurrency.MaxConcurrentSubtasks < 1 {
		return fmt.Errorf("concurrency.max_concurrent_subtasks must be >= 1, got %d", c.Concurrency.MaxConcurrentSubtasks)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1, got %g", c.Retry.BackoffMultiplier)
	}
	if c.Batching.MaxBatchSize < 1 {
		return fmt.Errorf("batching.max_batch_size must be >= 1, got %d", c.Batching.MaxBatchSize)
	}
	if c.Batching.MaxTokensPerBatch < 1 {
		return fmt.Errorf("batching.max_tokens_per_batch must be >= 1, got %d", c.Batching.MaxTokensPerBatch)
	}
	switch c.Fallback.Strategy {
	case "round-robin", "least-loaded", "capability-based", "performance-based":
	default:
		return fmt.Errorf("fallback.strategy %q not recognized", c.Fallback.Strategy)
	}
	if c.Snapshot.MaxSnapshots < 1 {
		return fmt.Errorf("snapshot.max_snapshots must be >= 1, got %d", c.Snapshot.MaxSnapshots)
	}
	return nil
}

// SubtaskTimeout returns the per-call bound as a duration.
func (c *Config) SubtaskTimeout() time.Duration {
	return time.Duration(c.Timeout.SubtaskTimeoutMs) * time.Millisecond
}

// BatchTimeout returns the per-batch bound as a duration.
func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.Timeout.BatchTimeoutMs) * time.Millisecond
}

// SnapshotInterval returns the snapshot cadence as a duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Snapshot.IntervalMs) * time.Millisecond
}

func applyEnvOverrides(c *Config) {
	overrideInt("CONDUCTOR_MAX_CONCURRENT_BATCHES", &c.Concurrency.MaxConcurrentBatches)
	overrideInt("CONDUCTOR_MAX_CONCURRENT_SUBTASKS", &c.Concurrency.MaxConcurrentSubtasks)
	overrideInt("CONDUCTOR_MAX_RETRIES", &c.Retry.MaxRetries)
	overrideInt("CONDUCTOR_SUBTASK_TIMEOUT_MS", &c.Timeout.SubtaskTimeoutMs)
	overrideInt("CONDUCTOR_BATCH_TIMEOUT_MS", &c.Timeout.BatchTimeoutMs)
	overrideInt("CONDUCTOR_CIRCUIT_FAILURE_THRESHOLD", &c.Fallback.CircuitBreakerThreshold)
	overrideInt("CONDUCTOR_CIRCUIT_TIMEOUT_MS", &c.Fallback.CircuitBreakerTimeoutMs)
	overrideInt("CONDUCTOR_SNAPSHOT_INTERVAL_MS", &c.Snapshot.IntervalMs)
	overrideInt("CONDUCTOR_METRICS_PORT", &c.Observability.Metrics.Port)
	if v := os.Getenv("CONDUCTOR_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("CONDUCTOR_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("CONDUCTOR_REDIS_ADDR"); v != "" {
		c.State.Backend = "redis"
		c.State.RedisAddr = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.Observability.Logging.Level = v
	}
}

func overrideInt(env string, dst *int) {
	if v := os.Getenv(env); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			*dst = x
		}
	}
}

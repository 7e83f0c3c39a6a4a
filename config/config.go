// Package config provides configuration loading and management for corehub.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete corehub configuration.
type Config struct {
	Model      ModelConfig      `yaml:"model"`
	NATS       NATSConfig       `yaml:"nats"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Cache      CacheConfig      `yaml:"cache"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Credential CredentialConfig `yaml:"credential"`
}

// ModelConfig configures the LLM model settings backing classification and
// synthesis.
type ModelConfig struct {
	// Default is the default model to use when no capability matches.
	Default string `yaml:"default"`
	// Endpoint is the API endpoint (default: http://localhost:11434/v1).
	Endpoint string `yaml:"endpoint"`
	// Temperature controls randomness (0.0-1.0, default: 0.2).
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses.
	Timeout time.Duration `yaml:"timeout"`
	// CapabilitiesFile optionally points at a JSON model-registry file
	// (capability -> preferred/fallback model chains, plus endpoints) that
	// is merged over the built-in default registry. Empty means run with
	// defaults only.
	CapabilitiesFile string `yaml:"capabilities_file"`
	// MaxRetries caps per-endpoint attempts before falling back to the next
	// model in a capability's chain. 0 uses the LLM client's own default.
	MaxRetries int `yaml:"max_retries"`
}

// NATSConfig configures the NATS JetStream connection backing the
// distributed cache.
type NATSConfig struct {
	// URL is the NATS server URL. Empty means no remote cache tier: the
	// cache runs on its local LRU only.
	URL string `yaml:"url"`
	// Embedded, when true, also skips the remote cache tier (local LRU
	// only); no in-process NATS server is started.
	Embedded bool `yaml:"embedded"`
}

// DispatcherConfig configures the top-level handle_query pipeline.
type DispatcherConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	HighConfidence  float64       `yaml:"high_confidence"`
	MidConfidence   float64       `yaml:"mid_confidence"`
}

// TasksConfig configures the async task engine.
type TasksConfig struct {
	Workers        int           `yaml:"workers"`
	ThreadWorkers  int           `yaml:"thread_workers"`
	ProcessWorkers int           `yaml:"process_workers"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	MaxCompleted   int           `yaml:"max_completed"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// PipelineConfig configures the real-time data pipeline's refresh tiers,
// change-detection thresholds, and loop periods.
type PipelineConfig struct {
	QuickRefresh           time.Duration `yaml:"quick_refresh"`
	NormalRefresh          time.Duration `yaml:"normal_refresh"`
	BackgroundRefresh      time.Duration `yaml:"background_refresh"`
	MaxConcurrentRefreshes int           `yaml:"max_concurrent_refreshes"`
	ChangeThresholdPct     float64       `yaml:"change_threshold_pct"`
	AlertThresholdPct      float64       `yaml:"alert_threshold_pct"`
	MilestoneSubscribers   float64       `yaml:"milestone_subscribers"`
	RefreshSchedulerPeriod time.Duration `yaml:"refresh_scheduler_period"`
	ChangeDetectorPeriod   time.Duration `yaml:"change_detector_period"`
	CacheCleanupPeriod     time.Duration `yaml:"cache_cleanup_period"`
	AlertDedupWindow       time.Duration `yaml:"alert_dedup_window"`
	AlertRetention         time.Duration `yaml:"alert_retention"`
}

// CacheConfig configures the distributed cache's local-fallback LRU and
// remote reconnect probe.
type CacheConfig struct {
	LocalCapacity int           `yaml:"local_capacity"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// BreakerConfig configures the per-specialist circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// CredentialConfig configures delegation credential minting. Secret is
// read from the COREHUB_CREDENTIAL_SECRET environment variable, never from
// the config file, so it never round-trips through SaveToFile.
type CredentialConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// DefaultConfig returns a Config with sensible defaults matching the
// documented configuration table.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Default:     "claude-haiku",
			Endpoint:    "http://localhost:11434/v1",
			Temperature: 0.2,
			Timeout:     30 * time.Second,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Dispatcher: DispatcherConfig{
			DefaultDeadline: 60 * time.Second,
			HighConfidence:  0.7,
			MidConfidence:   0.4,
		},
		Tasks: TasksConfig{
			Workers:        5,
			ThreadWorkers:  0,
			ProcessWorkers: 0,
			QueueCapacity:  1000,
			MaxCompleted:   1000,
			DefaultTimeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			QuickRefresh:           15 * time.Minute,
			NormalRefresh:          30 * time.Minute,
			BackgroundRefresh:      60 * time.Minute,
			MaxConcurrentRefreshes: 5,
			ChangeThresholdPct:     20,
			AlertThresholdPct:      50,
			MilestoneSubscribers:   100,
			RefreshSchedulerPeriod: 60 * time.Second,
			ChangeDetectorPeriod:   5 * time.Minute,
			CacheCleanupPeriod:     time.Hour,
			AlertDedupWindow:       24 * time.Hour,
			AlertRetention:         7 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			LocalCapacity: 10000,
			ProbeInterval: 30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Credential: CredentialConfig{
			TTL: time.Hour,
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Dispatcher.MidConfidence < 0 || c.Dispatcher.MidConfidence > c.Dispatcher.HighConfidence {
		return fmt.Errorf("dispatcher.mid_confidence must be between 0 and dispatcher.high_confidence")
	}
	if c.Tasks.Workers < 1 {
		return fmt.Errorf("tasks.workers must be at least 1")
	}
	if c.Pipeline.MaxConcurrentRefreshes < 1 {
		return fmt.Errorf("pipeline.max_concurrent_refreshes must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one; other takes precedence for
// every non-zero field it copies. Of the pipeline section only
// MaxConcurrentRefreshes, ChangeThresholdPct and AlertThresholdPct are
// copied; other's refresh intervals, MilestoneSubscribers, loop periods
// and alert windows are not merged.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Model.Default != "" {
		c.Model.Default = other.Model.Default
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}
	if other.Model.CapabilitiesFile != "" {
		c.Model.CapabilitiesFile = other.Model.CapabilitiesFile
	}
	if other.Model.MaxRetries != 0 {
		c.Model.MaxRetries = other.Model.MaxRetries
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	if other.Dispatcher.DefaultDeadline != 0 {
		c.Dispatcher.DefaultDeadline = other.Dispatcher.DefaultDeadline
	}
	if other.Dispatcher.HighConfidence != 0 {
		c.Dispatcher.HighConfidence = other.Dispatcher.HighConfidence
	}
	if other.Dispatcher.MidConfidence != 0 {
		c.Dispatcher.MidConfidence = other.Dispatcher.MidConfidence
	}

	if other.Tasks.Workers != 0 {
		c.Tasks.Workers = other.Tasks.Workers
	}
	if other.Tasks.ThreadWorkers != 0 {
		c.Tasks.ThreadWorkers = other.Tasks.ThreadWorkers
	}
	if other.Tasks.ProcessWorkers != 0 {
		c.Tasks.ProcessWorkers = other.Tasks.ProcessWorkers
	}
	if other.Tasks.QueueCapacity != 0 {
		c.Tasks.QueueCapacity = other.Tasks.QueueCapacity
	}
	if other.Tasks.MaxCompleted != 0 {
		c.Tasks.MaxCompleted = other.Tasks.MaxCompleted
	}
	if other.Tasks.DefaultTimeout != 0 {
		c.Tasks.DefaultTimeout = other.Tasks.DefaultTimeout
	}

	if other.Pipeline.MaxConcurrentRefreshes != 0 {
		c.Pipeline.MaxConcurrentRefreshes = other.Pipeline.MaxConcurrentRefreshes
	}
	if other.Pipeline.ChangeThresholdPct != 0 {
		c.Pipeline.ChangeThresholdPct = other.Pipeline.ChangeThresholdPct
	}
	if other.Pipeline.AlertThresholdPct != 0 {
		c.Pipeline.AlertThresholdPct = other.Pipeline.AlertThresholdPct
	}

	if other.Cache.LocalCapacity != 0 {
		c.Cache.LocalCapacity = other.Cache.LocalCapacity
	}
	if other.Cache.ProbeInterval != 0 {
		c.Cache.ProbeInterval = other.Cache.ProbeInterval
	}

	if other.Breaker.FailureThreshold != 0 {
		c.Breaker.FailureThreshold = other.Breaker.FailureThreshold
	}
	if other.Breaker.RecoveryTimeout != 0 {
		c.Breaker.RecoveryTimeout = other.Breaker.RecoveryTimeout
	}

	if other.Credential.TTL != 0 {
		c.Credential.TTL = other.Credential.TTL
	}
}

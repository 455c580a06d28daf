// Package config provides configuration loading and management for the
// Geenius workflow engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Session   SessionConfig   `yaml:"session"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Deploy    DeployConfig    `yaml:"deploy"`
	// Transformer configures the external code transformer command
	Transformer TransformerConfig `yaml:"transformer"`
}

// NATSConfig configures the NATS connection backing the session store
type NATSConfig struct {
	// URL is the NATS server URL (default: nats://localhost:4222)
	URL string `yaml:"url"`
	// Bucket is the JetStream KV bucket holding session records
	Bucket string `yaml:"bucket"`
	// Embedded starts an in-process NATS server instead of connecting to URL
	Embedded bool `yaml:"embedded"`
}

// SessionConfig configures session retention
type SessionConfig struct {
	// TTL is how long a session record is retained before the bucket purges it
	TTL time.Duration `yaml:"ttl"`
	// LogCap bounds the number of log entries kept on the session record
	LogCap int `yaml:"log_cap"`
	// SummaryLogCount is how many trailing log entries a summary view includes
	SummaryLogCount int `yaml:"summary_log_count"`
}

// ResolverConfig configures dependency analysis
type ResolverConfig struct {
	// MaxDepth bounds the related-file expansion walk
	MaxDepth int `yaml:"max_depth"`
	// SharedPathGlobs escalate risk one tier when a file path matches
	SharedPathGlobs []string `yaml:"shared_path_globs"`
}

// SchedulerConfig configures task execution
type SchedulerConfig struct {
	// MaxConcurrent bounds the number of tasks running at once
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxRetries bounds per-task retry attempts before a task is failed
	MaxRetries int `yaml:"max_retries"`
}

// PipelineConfig configures top-level retry behavior
type PipelineConfig struct {
	// MaxAttempts is the maximum number of full pipeline runs per session
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the initial delay between pipeline attempts
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffCap caps the delay between pipeline attempts
	BackoffCap time.Duration `yaml:"backoff_cap"`
	// FatalPatterns are substrings that mark an error as fatal (no retry)
	FatalPatterns []string `yaml:"fatal_patterns"`
}

// DeployConfig configures deployment status polling
type DeployConfig struct {
	// PollInterval is the delay between deployment status checks
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollTimeout is the hard limit on waiting for a deployment
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// URLTemplate builds the preview URL from the branch name
	URLTemplate string `yaml:"url_template"`
}

// TransformerConfig configures how file transformations are produced.
// When Command is empty, transformations are applied as annotations only.
type TransformerConfig struct {
	// Command is the argv invoked once per file; the request is written
	// to stdin as JSON and the result is read from stdout as JSON
	Command []string `yaml:"command"`
	// Timeout bounds one transformation invocation
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:    "nats://localhost:4222",
			Bucket: "GEENIUS_SESSIONS",
		},
		Session: SessionConfig{
			TTL:             24 * time.Hour,
			LogCap:          200,
			SummaryLogCount: 20,
		},
		Resolver: ResolverConfig{
			MaxDepth: 3,
			SharedPathGlobs: []string{
				"**/shared/**",
				"**/common/**",
				"**/lib/**",
				"**/utils/**",
				"**/components/ui/**",
			},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 2,
			MaxRetries:    2,
		},
		Pipeline: PipelineConfig{
			MaxAttempts: 3,
			BackoffBase: 2 * time.Second,
			BackoffCap:  30 * time.Second,
			FatalPatterns: []string{
				"branch not found",
				"repository not found",
				"not a valid repository",
				"authentication failed",
			},
		},
		Deploy: DeployConfig{
			PollInterval: 5 * time.Second,
			PollTimeout:  5 * time.Minute,
			URLTemplate:  "https://%s.preview.localhost",
		},
		Transformer: TransformerConfig{
			Timeout: 2 * time.Minute,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.Bucket == "" {
		return fmt.Errorf("nats.bucket is required")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.LogCap <= 0 {
		return fmt.Errorf("session.log_cap must be positive")
	}
	if c.Resolver.MaxDepth < 0 {
		return fmt.Errorf("resolver.max_depth must not be negative")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be positive")
	}
	if c.Pipeline.BackoffBase <= 0 {
		return fmt.Errorf("pipeline.backoff_base must be positive")
	}
	if c.Pipeline.BackoffCap < c.Pipeline.BackoffBase {
		return fmt.Errorf("pipeline.backoff_cap must be at least backoff_base")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
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

// SaveToFile saves configuration to a YAML file
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

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Bucket != "" {
		c.NATS.Bucket = other.NATS.Bucket
	}
	if other.NATS.Embedded {
		c.NATS.Embedded = true
	}

	// Session
	if other.Session.TTL != 0 {
		c.Session.TTL = other.Session.TTL
	}
	if other.Session.LogCap != 0 {
		c.Session.LogCap = other.Session.LogCap
	}
	if other.Session.SummaryLogCount != 0 {
		c.Session.SummaryLogCount = other.Session.SummaryLogCount
	}

	// Resolver
	if other.Resolver.MaxDepth != 0 {
		c.Resolver.MaxDepth = other.Resolver.MaxDepth
	}
	if len(other.Resolver.SharedPathGlobs) > 0 {
		c.Resolver.SharedPathGlobs = other.Resolver.SharedPathGlobs
	}

	// Scheduler
	if other.Scheduler.MaxConcurrent != 0 {
		c.Scheduler.MaxConcurrent = other.Scheduler.MaxConcurrent
	}
	if other.Scheduler.MaxRetries != 0 {
		c.Scheduler.MaxRetries = other.Scheduler.MaxRetries
	}

	// Pipeline
	if other.Pipeline.MaxAttempts != 0 {
		c.Pipeline.MaxAttempts = other.Pipeline.MaxAttempts
	}
	if other.Pipeline.BackoffBase != 0 {
		c.Pipeline.BackoffBase = other.Pipeline.BackoffBase
	}
	if other.Pipeline.BackoffCap != 0 {
		c.Pipeline.BackoffCap = other.Pipeline.BackoffCap
	}
	if len(other.Pipeline.FatalPatterns) > 0 {
		c.Pipeline.FatalPatterns = other.Pipeline.FatalPatterns
	}

	// Deploy
	if other.Deploy.PollInterval != 0 {
		c.Deploy.PollInterval = other.Deploy.PollInterval
	}
	if other.Deploy.PollTimeout != 0 {
		c.Deploy.PollTimeout = other.Deploy.PollTimeout
	}
	if other.Deploy.URLTemplate != "" {
		c.Deploy.URLTemplate = other.Deploy.URLTemplate
	}

	// Transformer
	if len(other.Transformer.Command) > 0 {
		c.Transformer.Command = other.Transformer.Command
	}
	if other.Transformer.Timeout != 0 {
		c.Transformer.Timeout = other.Transformer.Timeout
	}
}

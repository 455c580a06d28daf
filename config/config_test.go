package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Scheduler.MaxConcurrent != 2 {
		t.Errorf("expected max_concurrent 2, got %d", config.Scheduler.MaxConcurrent)
	}
	if config.Resolver.MaxDepth != 3 {
		t.Errorf("expected max_depth 3, got %d", config.Resolver.MaxDepth)
	}
	if config.Pipeline.MaxAttempts != 3 {
		t.Errorf("expected max_attempts 3, got %d", config.Pipeline.MaxAttempts)
	}
	if config.Session.TTL != 24*time.Hour {
		t.Errorf("expected session TTL 24h, got %v", config.Session.TTL)
	}

	if err := config.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing bucket",
			mutate:  func(c *Config) { c.NATS.Bucket = "" },
			wantErr: "nats.bucket",
		},
		{
			name:    "zero ttl",
			mutate:  func(c *Config) { c.Session.TTL = 0 },
			wantErr: "session.ttl",
		},
		{
			name:    "zero log cap",
			mutate:  func(c *Config) { c.Session.LogCap = 0 },
			wantErr: "session.log_cap",
		},
		{
			name:    "negative depth",
			mutate:  func(c *Config) { c.Resolver.MaxDepth = -1 },
			wantErr: "resolver.max_depth",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Scheduler.MaxConcurrent = 0 },
			wantErr: "scheduler.max_concurrent",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Pipeline.MaxAttempts = 0 },
			wantErr: "pipeline.max_attempts",
		},
		{
			name:    "cap below base",
			mutate:  func(c *Config) { c.Pipeline.BackoffCap = time.Millisecond },
			wantErr: "backoff_cap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geenius.yaml")

	yaml := `
nats:
  url: nats://example:4222
scheduler:
  max_concurrent: 4
pipeline:
  max_attempts: 5
  backoff_base: 1s
  backoff_cap: 10s
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if config.NATS.URL != "nats://example:4222" {
		t.Errorf("expected overridden URL, got %s", config.NATS.URL)
	}
	if config.Scheduler.MaxConcurrent != 4 {
		t.Errorf("expected max_concurrent 4, got %d", config.Scheduler.MaxConcurrent)
	}
	if config.Pipeline.MaxAttempts != 5 {
		t.Errorf("expected max_attempts 5, got %d", config.Pipeline.MaxAttempts)
	}
	// Unset fields keep defaults
	if config.Session.LogCap != 200 {
		t.Errorf("expected default log_cap 200, got %d", config.Session.LogCap)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	other := &Config{}
	other.Scheduler.MaxConcurrent = 8
	other.Pipeline.FatalPatterns = []string{"custom fatal"}

	base.Merge(other)

	if base.Scheduler.MaxConcurrent != 8 {
		t.Errorf("expected merged max_concurrent 8, got %d", base.Scheduler.MaxConcurrent)
	}
	if len(base.Pipeline.FatalPatterns) != 1 || base.Pipeline.FatalPatterns[0] != "custom fatal" {
		t.Errorf("expected merged fatal patterns, got %v", base.Pipeline.FatalPatterns)
	}
	// Zero values in other must not clobber defaults
	if base.Session.LogCap != 200 {
		t.Errorf("expected log_cap 200 retained, got %d", base.Session.LogCap)
	}
}

func TestMergeNil(t *testing.T) {
	base := DefaultConfig()
	base.Merge(nil)
	if base.Scheduler.MaxConcurrent != 2 {
		t.Errorf("merge nil must not change config")
	}
}

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.nexus/config.toml. Connection-level reconnection and
// message-level send retry are tuned independently.
type Config struct {
	Probe     ProbeConfig     `toml:"probe"`
	Health    HealthConfig    `toml:"health"`
	Send      SendConfig      `toml:"send"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Sync      SyncConfig      `toml:"sync"`
}

// ProbeConfig tunes the health-check round-trip.
type ProbeConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// HealthConfig tunes the background health-monitoring loop.
type HealthConfig struct {
	IntervalSeconds  int `toml:"interval_seconds"`
	FailureThreshold int `toml:"failure_threshold"`
}

// SendConfig tunes per-message delivery retry.
type SendConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
	MaxAttempts    int `toml:"max_attempts"`
	BackoffBaseMS  int `toml:"backoff_base_ms"`
	BackoffCapMS   int `toml:"backoff_cap_ms"`
}

// ReconnectConfig tunes connection-level reconnection attempts.
type ReconnectConfig struct {
	MaxAttempts   int `toml:"max_attempts"`
	BackoffBaseMS int `toml:"backoff_base_ms"`
	BackoffCapMS  int `toml:"backoff_cap_ms"`
}

// SyncConfig tunes drain batching and diagnostics retention.
type SyncConfig struct {
	BatchSize   int `toml:"batch_size"`
	HistorySize int `toml:"history_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Probe:     ProbeConfig{TimeoutSeconds: 10},
		Health:    HealthConfig{IntervalSeconds: 30, FailureThreshold: 3},
		Send:      SendConfig{TimeoutSeconds: 30, MaxAttempts: 3, BackoffBaseMS: 1000, BackoffCapMS: 30000},
		Reconnect: ReconnectConfig{MaxAttempts: 5, BackoffBaseMS: 1000, BackoffCapMS: 16000},
		Sync:      SyncConfig{BatchSize: 20, HistorySize: 20},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Probe.TimeoutSeconds <= 0 {
		c.Probe.TimeoutSeconds = def.Probe.TimeoutSeconds
	}
	if c.Health.IntervalSeconds <= 0 {
		c.Health.IntervalSeconds = def.Health.IntervalSeconds
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = def.Health.FailureThreshold
	}
	if c.Send.TimeoutSeconds <= 0 {
		c.Send.TimeoutSeconds = def.Send.TimeoutSeconds
	}
	if c.Send.MaxAttempts <= 0 {
		c.Send.MaxAttempts = def.Send.MaxAttempts
	}
	if c.Send.BackoffBaseMS <= 0 {
		c.Send.BackoffBaseMS = def.Send.BackoffBaseMS
	}
	if c.Send.BackoffCapMS <= 0 {
		c.Send.BackoffCapMS = def.Send.BackoffCapMS
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if c.Reconnect.BackoffBaseMS <= 0 {
		c.Reconnect.BackoffBaseMS = def.Reconnect.BackoffBaseMS
	}
	if c.Reconnect.BackoffCapMS <= 0 {
		c.Reconnect.BackoffCapMS = def.Reconnect.BackoffCapMS
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = def.Sync.BatchSize
	}
	if c.Sync.HistorySize <= 0 {
		c.Sync.HistorySize = def.Sync.HistorySize
	}
}

// ProbeTimeout returns the probe timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutSeconds) * time.Second
}

// HealthInterval returns the health loop interval as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalSeconds) * time.Second
}

// SendTimeout returns the per-send timeout as a duration.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Send.TimeoutSeconds) * time.Second
}

// Package config loads bus configuration from a YAML file with
// TABLEBUS_* environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/basket/tablebus/internal/otel"
)

// StoreConfig selects and tunes the table store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver" env:"STORE_DRIVER"`
	// DSN is the sqlite database path. Unused by the memory driver.
	DSN string `yaml:"dsn" env:"STORE_DSN"`
	// BackoffMillis is the reconnect delay ladder; attempts past the
	// end reuse the last entry.
	BackoffMillis []int `yaml:"backoff_ms" env:"STORE_BACKOFF_MS"`
	// MaxAttempts bounds one reconnect cycle before surfacing
	// unavailability to the caller.
	MaxAttempts int `yaml:"max_attempts" env:"STORE_MAX_ATTEMPTS"`
}

// Backoff returns the ladder as durations.
func (c StoreConfig) Backoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.BackoffMillis))
	for _, ms := range c.BackoffMillis {
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out
}

// QueueConfig tunes the lease queue engine.
type QueueConfig struct {
	// Namespace prefixes the bus table names, isolating deployments
	// sharing one store.
	Namespace string `yaml:"namespace" env:"QUEUE_NAMESPACE"`
	// DefaultTTLMillis applies to messages published without a TTL.
	DefaultTTLMillis int `yaml:"default_ttl_ms" env:"QUEUE_DEFAULT_TTL_MS"`
	// LeaseExtensionMillis is the lease granted by claims and
	// heartbeats that do not specify one.
	LeaseExtensionMillis int `yaml:"lease_extension_ms" env:"QUEUE_LEASE_EXTENSION_MS"`
	// HeartbeatIntervalSeconds paces the keepalive loop.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds" env:"QUEUE_HEARTBEAT_INTERVAL_SECONDS"`
	// SweepCron, when set, runs the active lease sweeper on a 5-field
	// cron schedule. Empty disables it; claims still sweep lazily.
	SweepCron string `yaml:"sweep_cron" env:"QUEUE_SWEEP_CRON"`
}

func (c QueueConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLMillis) * time.Millisecond
}

func (c QueueConfig) LeaseExtension() time.Duration {
	return time.Duration(c.LeaseExtensionMillis) * time.Millisecond
}

func (c QueueConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// PollConfig tunes subscription polling.
type PollConfig struct {
	IntervalMillis int `yaml:"interval_ms" env:"POLL_INTERVAL_MS"`
	QueueSize      int `yaml:"queue_size" env:"POLL_QUEUE_SIZE"`
}

func (c PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMillis) * time.Millisecond
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Config is the root bus configuration.
type Config struct {
	Store StoreConfig `yaml:"store"`
	Queue QueueConfig `yaml:"queue"`
	Poll  PollConfig  `yaml:"poll"`
	Log   LogConfig   `yaml:"log"`
	Otel  otel.Config `yaml:"otel"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:        "memory",
			BackoffMillis: []int{250, 500, 1000, 2000, 5000},
			MaxAttempts:   5,
		},
		Queue: QueueConfig{
			DefaultTTLMillis:         300_000,
			LeaseExtensionMillis:     60_000,
			HeartbeatIntervalSeconds: 15,
		},
		Poll: PollConfig{
			IntervalMillis: 1000,
			QueueSize:      256,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (a missing file is not an error),
// applies TABLEBUS_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TABLEBUS_"}); err != nil {
		return Config{}, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the bus cannot run with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q (supported: sqlite, memory)", c.Store.Driver)
	}
	if c.Store.MaxAttempts <= 0 {
		return fmt.Errorf("store.max_attempts must be positive")
	}
	for _, ms := range c.Store.BackoffMillis {
		if ms <= 0 {
			return fmt.Errorf("store.backoff_ms entries must be positive")
		}
	}
	if c.Queue.DefaultTTLMillis <= 0 {
		return fmt.Errorf("queue.default_ttl_ms must be positive")
	}
	if c.Queue.LeaseExtensionMillis <= 0 {
		return fmt.Errorf("queue.lease_extension_ms must be positive")
	}
	if c.Queue.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("queue.heartbeat_interval_seconds must be positive")
	}
	if c.Poll.IntervalMillis <= 0 {
		return fmt.Errorf("poll.interval_ms must be positive")
	}
	if c.Poll.QueueSize <= 0 {
		return fmt.Errorf("poll.queue_size must be positive")
	}
	return nil
}

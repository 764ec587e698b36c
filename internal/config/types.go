package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so config files can say "5s" or "2m30s".
// Bare numbers are accepted as nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration %s", data)
}

// StoreConfig selects and locates the task store backend.
type StoreConfig struct {
	Backend string `json:"backend"`        // "file" or "sqlite"
	Format  string `json:"format"`         // file backend document format: "json", "yaml", or "toml"
	Path    string `json:"path,omitempty"` // override; relative paths resolve against the state dir
}

// WorkerConfig tunes the background worker.
type WorkerConfig struct {
	PollInterval       Duration `json:"poll_interval"`
	DefaultMaxAttempts int      `json:"default_max_attempts"`
	WorkDir            string   `json:"work_dir,omitempty"` // working directory for shell actions; empty means the process cwd
}

// RetryConfig shapes the backoff between attempts.
type RetryConfig struct {
	BaseDelay Duration `json:"base_delay"`
	MaxDelay  Duration `json:"max_delay"`
}

// BreakerConfig tunes the per-action-kind circuit breakers.
type BreakerConfig struct {
	TripAfter uint32   `json:"trip_after"` // consecutive failures before the breaker opens
	Cooldown  Duration `json:"cooldown"`   // open duration before a probe is allowed
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level string `json:"level"`          // "debug", "info", "warn", or "error"
	Path  string `json:"path,omitempty"` // log file; empty means stderr
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"` // listen address; empty disables the endpoint
}

// Config is the top-level configuration.
type Config struct {
	Store   StoreConfig   `json:"store"`
	Worker  WorkerConfig  `json:"worker"`
	Retry   RetryConfig   `json:"retry"`
	Breaker BreakerConfig `json:"breaker"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`
}

// Validate checks the merged configuration for values no component could
// run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file":
		switch c.Store.Format {
		case "json", "yaml", "toml":
		default:
			return fmt.Errorf("unknown store format %q", c.Store.Format)
		}
	case "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be positive, got %s", c.Worker.PollInterval)
	}
	if c.Worker.DefaultMaxAttempts < 1 {
		return fmt.Errorf("worker default_max_attempts must be at least 1, got %d", c.Worker.DefaultMaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry base_delay must be positive, got %s", c.Retry.BaseDelay)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry max_delay %s is below base_delay %s", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Breaker.TripAfter == 0 {
		return fmt.Errorf("breaker trip_after must be at least 1")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive, got %s", c.Breaker.Cooldown)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

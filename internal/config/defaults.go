package config

import "time"

// DefaultConfig returns the configuration used when no config file says
// otherwise.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "file",
			Format:  "json",
		},
		Worker: WorkerConfig{
			PollInterval:       Duration(500 * time.Millisecond),
			DefaultMaxAttempts: 3,
		},
		Retry: RetryConfig{
			BaseDelay: Duration(5 * time.Second),
			MaxDelay:  Duration(5 * time.Minute),
		},
		Breaker: BreakerConfig{
			TripAfter: 5,
			Cooldown:  Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

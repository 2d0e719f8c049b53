package scheduler

import (
	"time"

	"trainingjobs/internal/config"
)

// Config holds configuration for the poll scheduler.
type Config struct {
	BackoffInitial   time.Duration // Interval after the first running poll
	BackoffMax       time.Duration // Interval ceiling
	MaxPollRetries   int           // Consecutive transient errors tolerated
	SweepInterval    time.Duration // How often due jobs are listed
	ClaimTimeout     time.Duration // Lease held by a tick
	FanOutRetryDelay time.Duration // Delay before retrying a failed fan-out
	Workers          int           // Concurrent ticks
	BatchSize        int           // Due jobs listed per sweep
	Rate             float64       // Polls per second against the runner, <= 0 for unlimited
	Burst            int
	Now              func() time.Time
}

// LoadConfigFromEnv loads scheduler configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		BackoffInitial:   config.GetDurationEnv("POLL_BACKOFF_INITIAL", 30*time.Second),
		BackoffMax:       config.GetDurationEnv("POLL_BACKOFF_MAX", 10*time.Minute),
		MaxPollRetries:   config.GetIntEnv("POLL_MAX_RETRIES", 5),
		SweepInterval:    config.GetDurationEnv("POLL_SWEEP_INTERVAL", 5*time.Second),
		ClaimTimeout:     config.GetDurationEnv("POLL_CLAIM_TIMEOUT", 2*time.Minute),
		FanOutRetryDelay: config.GetDurationEnv("POLL_FANOUT_RETRY_DELAY", time.Minute),
		Workers:          config.GetIntEnv("POLL_WORKERS", 4),
		BatchSize:        config.GetIntEnv("POLL_BATCH_SIZE", 100),
		Rate:             config.GetFloatEnv("POLL_RATE", 10),
		Burst:            config.GetIntEnv("POLL_BURST", 5),
	}
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
	if c.MaxPollRetries <= 0 {
		c.MaxPollRetries = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 2 * time.Minute
	}
	if c.FanOutRetryDelay <= 0 {
		c.FanOutRetryDelay = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

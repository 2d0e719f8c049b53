package dispatcher

import (
	"time"

	"trainingjobs/internal/config"
)

// Config holds configuration for the in-memory dispatcher.
type Config struct {
	BufferSize       int           // pending deliveries (default: 1000)
	Workers          int           // concurrent senders (default: 4)
	HTTPTimeout      time.Duration // per-request timeout (default: 10s)
	MaxRetries       int           // retries after the first attempt (env default: 3)
	BackoffInitial   time.Duration // first retry delay (default: 100ms)
	BackoffMax       time.Duration // retry delay cap (default: 5s)
	BreakerThreshold int           // failed deliveries before a host's breaker opens (default: 5)
	BreakerCooldown  time.Duration // open breaker wait, also the requeue delay (default: 30s)
	MaxRequeues      int           // requeues before a delivery is dropped (default: 10)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:       config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:          config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HTTPTimeout:      config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:       config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3),
		BackoffInitial:   config.GetDurationEnv("DISPATCHER_BACKOFF_INITIAL", 100*time.Millisecond),
		BackoffMax:       config.GetDurationEnv("DISPATCHER_BACKOFF_MAX", 5*time.Second),
		BreakerThreshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", 30*time.Second),
		MaxRequeues:      config.GetIntEnv("DISPATCHER_MAX_REQUEUES", 10),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}

package fanout

import (
	"time"

	"trainingjobs/internal/config"
)

// Config holds configuration for the completion fan-out.
type Config struct {
	Retries        int           // Attempts per record after the first
	BackoffInitial time.Duration // Delay before the first retry
	BackoffMax     time.Duration // Delay cap between retries
	Now            func() time.Time
}

// LoadConfigFromEnv loads fan-out configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Retries:        config.GetIntEnv("FANOUT_RETRIES", 3),
		BackoffInitial: config.GetDurationEnv("FANOUT_BACKOFF_INITIAL", 200*time.Millisecond),
		BackoffMax:     config.GetDurationEnv("FANOUT_BACKOFF_MAX", 5*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

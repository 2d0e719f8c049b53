package job

import (
	"time"

	"trainingjobs/internal/config"
)

// Config holds Service configuration.
type Config struct {
	FirstPollDelay time.Duration    // Delay before the first status poll
	SubmitLease    time.Duration    // How long a submission holds its claim on a created job
	CancelTimeout  time.Duration    // Bound on the best-effort runner cancel
	Now            func() time.Time // Clock, replaced in tests
}

// LoadConfigFromEnv loads Service configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		FirstPollDelay: config.GetDurationEnv("POLL_FIRST_DELAY", 5*time.Minute),
		SubmitLease:    config.GetDurationEnv("JOB_SUBMIT_LEASE", time.Minute),
		CancelTimeout:  config.GetDurationEnv("JOB_CANCEL_TIMEOUT", 10*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.FirstPollDelay <= 0 {
		c.FirstPollDelay = 5 * time.Minute
	}
	if c.SubmitLease <= 0 {
		c.SubmitLease = time.Minute
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

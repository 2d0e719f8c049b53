package notify

import (
	"time"

	"trainingjobs/internal/config"
)

// Config selects and configures the version notification sinks. Every sink
// with a destination is used; with none configured notifications are logged.
type Config struct {
	URL         string        // HTTP endpoint receiving CloudEvents
	SigningKey  string        // HMAC key for HTTP deliveries
	NATSURL     string        // NATS server, e.g. nats://localhost:4222
	NATSSubject string        // Subject the events are published on
	NATSTimeout time.Duration // Connect timeout
}

// LoadConfigFromEnv loads notification configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		URL:         config.GetEnv("VERSION_NOTIFY_URL", ""),
		SigningKey:  config.GetSecretFile(config.GetEnv("VERSION_NOTIFY_KEY_FILE", "")),
		NATSURL:     config.GetEnv("VERSION_NOTIFY_NATS_URL", ""),
		NATSSubject: config.GetEnv("VERSION_NOTIFY_SUBJECT", DefaultSubject),
		NATSTimeout: config.GetDurationEnv("VERSION_NOTIFY_NATS_TIMEOUT", 5*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.NATSSubject == "" {
		c.NATSSubject = DefaultSubject
	}
	if c.NATSTimeout <= 0 {
		c.NATSTimeout = 5 * time.Second
	}
	return c
}

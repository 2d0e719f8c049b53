package mlservice

import (
	"time"

	"trainingjobs/internal/config"
	"trainingjobs/pkg/circuitbreaker"
)

// Config holds configuration for the ML service client.
type Config struct {
	BaseURL    string        // e.g. https://ml.example.com
	APIKey     string        // Optional bearer key
	Timeout    time.Duration // Per-request timeout
	HealthPath string        // Optional readiness endpoint, e.g. /healthz
	Breaker    circuitbreaker.Config
}

// LoadConfigFromEnv loads ML service configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		BaseURL:    config.GetEnv("ML_SERVICE_URL", "http://localhost:8000"),
		APIKey:     config.GetSecretFile(config.GetEnv("ML_SERVICE_API_KEY_FILE", "")),
		Timeout:    config.GetDurationEnv("ML_SERVICE_TIMEOUT", 30*time.Second),
		HealthPath: config.GetEnv("ML_SERVICE_HEALTH_PATH", ""),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("ML_SERVICE_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("ML_SERVICE_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

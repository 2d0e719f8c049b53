package docker

import (
	"strings"
	"time"

	"trainingjobs/internal/config"
)

// Config holds configuration for the Docker runner.
type Config struct {
	Image               string        // Training image, run once per job
	Command             []string      // Overrides the image command when set
	ResultPath          string        // Where the container writes its status document
	CPU                 float64       // CPU limit in cores, 0 for none
	MemoryMB            int           // Memory limit in MiB, 0 for none
	Network             string        // Optional network to attach containers to
	Retention           time.Duration // How long finished containers are kept
	MaintenanceInterval time.Duration // How often finished containers are removed
	StopTimeout         time.Duration // Grace period on cancel before SIGKILL
}

// LoadConfigFromEnv loads runner configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Image:               config.GetEnv("DOCKER_TRAINING_IMAGE", ""),
		Command:             splitCommand(config.GetEnv("DOCKER_COMMAND", "")),
		ResultPath:          config.GetEnv("DOCKER_RESULT_PATH", "/workspace/result.json"),
		CPU:                 config.GetFloatEnv("DOCKER_CPU", 0),
		MemoryMB:            config.GetIntEnv("DOCKER_MEMORY_MB", 0),
		Network:             config.GetEnv("DOCKER_NETWORK", ""),
		Retention:           config.GetDurationEnv("DOCKER_RETENTION", time.Hour),
		MaintenanceInterval: config.GetDurationEnv("DOCKER_MAINTENANCE_INTERVAL", time.Minute),
		StopTimeout:         config.GetDurationEnv("DOCKER_STOP_TIMEOUT", 10*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.ResultPath == "" {
		c.ResultPath = "/workspace/result.json"
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// splitCommand splits on whitespace; an empty value keeps the image default.
func splitCommand(s string) []string {
	return strings.Fields(s)
}

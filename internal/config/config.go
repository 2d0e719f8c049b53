// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"slices"
	"time"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Runner kinds
const (
	RunnerMLService = "mlservice"
	RunnerDocker    = "docker"
)

// ServiceConfig holds configuration for the jobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	JWTSecret         string        // HS256 key for caller tokens; empty trusts X-User-Id
	JWTIssuer         string        // Required iss claim when non-empty
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	StoreDriver       string        // memory, sqlite or postgres
	StoreDSN          string
	Runner            string // mlservice or docker
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		JWTSecret:         GetSecretFile(GetEnv("JWT_SECRET_FILE", "")),
		JWTIssuer:         GetEnv("JWT_ISSUER", ""),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		StoreDriver:       GetEnv("STORE_DRIVER", StoreSQLite),
		StoreDSN:          GetEnv("STORE_DSN", "file:trainingjobs.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),
		Runner:            GetEnv("RUNNER", RunnerMLService),
	}
}

// Validate rejects unknown store drivers and runners, and a Postgres store
// without a DSN.
func (c *ServiceConfig) Validate() error {
	if !slices.Contains([]string{StoreMemory, StoreSQLite, StorePostgres}, c.StoreDriver) {
		return fmt.Errorf("STORE_DRIVER must be one of %s, %s or %s, got %q", StoreMemory, StoreSQLite, StorePostgres, c.StoreDriver)
	}
	if c.StoreDriver != StoreMemory && c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN is required for the %s store", c.StoreDriver)
	}
	if c.Runner != RunnerMLService && c.Runner != RunnerDocker {
		return fmt.Errorf("RUNNER must be %s or %s, got %q", RunnerMLService, RunnerDocker, c.Runner)
	}
	return nil
}

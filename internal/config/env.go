package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup parses the variable key, falling back to defaultValue when it is
// unset, empty, or does not parse.
func lookup[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := parse(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// GetEnv returns the environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	return lookup(key, defaultValue, func(s string) (string, error) { return s, nil })
}

// GetIntEnv returns an integer environment variable or a default.
func GetIntEnv(key string, defaultValue int) int {
	return lookup(key, defaultValue, strconv.Atoi)
}

// GetFloatEnv returns a float environment variable or a default.
func GetFloatEnv(key string, defaultValue float64) float64 {
	return lookup(key, defaultValue, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// GetBoolEnv returns a boolean environment variable or a default.
// Accepts the forms understood by strconv.ParseBool.
func GetBoolEnv(key string, defaultValue bool) bool {
	return lookup(key, defaultValue, strconv.ParseBool)
}

// GetDurationEnv returns a duration environment variable or a default.
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	return lookup(key, defaultValue, time.ParseDuration)
}

// GetSecretFile reads a secret from a mounted file (Docker or Kubernetes
// secrets). An empty path or unreadable file yields "".
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Package backoff provides exponential backoff calculation.
package backoff

import (
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial    time.Duration // default: 100ms
	Max        time.Duration // default: 5s
	Multiplier float64       // default: 2
}

func (c *Config) resolve() (initial, maxBackoff time.Duration, multiplier float64) {
	initial = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
	multiplier = 2.0
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxBackoff = c.Max
		}
		if c.Multiplier > 1 {
			multiplier = c.Multiplier
		}
	}
	if initial > maxBackoff {
		initial = maxBackoff
	}
	return initial, maxBackoff, multiplier
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*multiplier, etc.
// The result never exceeds Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff, multiplier := cfg.resolve()

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if backoff > float64(maxBackoff) || math.IsInf(backoff, 0) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Max returns the ceiling that Exponential will never exceed for cfg.
func Max(cfg *Config) time.Duration {
	_, maxBackoff, _ := cfg.resolve()
	return maxBackoff
}

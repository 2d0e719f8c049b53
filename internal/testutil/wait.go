// Package testutil holds helpers for tests of asynchronous code: polling
// waits for conditions driven by background workers, and a manual clock
// for components that take a Now function.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultInterval = 100 * time.Millisecond
)

type waitOptions struct {
	timeout  time.Duration
	interval time.Duration
}

// WaitOption adjusts a wait.
type WaitOption func(*waitOptions)

// WithTimeout sets how long to keep checking (default 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

// WithInterval sets the pause between checks (default 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.interval = d }
}

// WaitForValue calls fetch until it reports ok or the timeout passes. It
// returns the last value fetched and whether ok was reached, so a caller
// that times out can still report what it saw.
func WaitForValue[T any](tb testing.TB, fetch func() (T, bool), opts ...WaitOption) (T, bool) {
	tb.Helper()

	o := waitOptions{timeout: defaultTimeout, interval: defaultInterval}
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.NewTimer(o.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		v, ok := fetch()
		if ok {
			return v, true
		}
		select {
		case <-deadline.C:
			return v, false
		case <-ticker.C:
		}
	}
}

// MustWaitForValue is WaitForValue that fails the test on timeout.
func MustWaitForValue[T any](tb testing.TB, fetch func() (T, bool), opts ...WaitOption) T {
	tb.Helper()
	v, ok := WaitForValue(tb, fetch, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for value (last: %+v)", v)
	}
	return v
}

// WaitFor reports whether condition became true before the timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	_, ok := WaitForValue(tb, func() (struct{}, bool) { return struct{}{}, condition() }, opts...)
	return ok
}

// MustWaitFor fails the test unless condition becomes true in time.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// WaitForCount reports whether counter reached target before the timeout.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitForCount fails the test unless counter reaches target in time.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}

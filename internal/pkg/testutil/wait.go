// Package testutil holds small helpers shared by unit tests.
package testutil

import (
	"testing"
	"time"
)

// WaitFor polls condition every interval until it returns true or timeout elapses.
// Returns true if the condition was met.
func WaitFor(t *testing.T, timeout, interval time.Duration, condition func() bool) bool {
	t.Helper()

	if condition() {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return condition()
		case <-ticker.C:
			if condition() {
				return true
			}
		}
	}
}

// Eventually is WaitFor with a 10ms interval that fails the test with msg on timeout.
func Eventually(t *testing.T, timeout time.Duration, msg string, condition func() bool) {
	t.Helper()
	if !WaitFor(t, timeout, 10*time.Millisecond, condition) {
		t.Fatalf("timed out after %v: %s", timeout, msg)
	}
}

package testutil

import (
	"testing"
	"time"
)

// Eventually polls fn every interval until it returns nil, failing t once
// timeout has passed. The last error fn returned is reported.
func Eventually(t testing.TB, timeout time.Duration, interval time.Duration, fn func() error) {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastErr := fn()
	for lastErr != nil {
		select {
		case <-deadline.C:
			t.Fatalf("condition not met within %s: %v", timeout, lastErr)
			return
		case <-ticker.C:
			lastErr = fn()
		}
	}
}

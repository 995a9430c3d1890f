// Package backoff implements the exponential retry delay shared by the
// uploader and the sync worker.
package backoff

import (
	"math/rand"
	"time"
)

// Cap bounds any computed delay.
const Cap = time.Hour

// Delay returns the sleep before retry number attempt (1-based):
// min(base * 2^(attempt-1) + uniform(0, base), cap). A non-positive cap
// falls back to the package Cap.
func Delay(base time.Duration, attempt int, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cap <= 0 {
		cap = Cap
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= cap {
			backoff = cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	total := backoff + jitter
	if total > cap {
		return cap
	}
	return total
}

// Sleep blocks for Delay(base, attempt, cap) or until done is closed,
// returning false when interrupted.
func Sleep(done <-chan struct{}, base time.Duration, attempt int, cap time.Duration) bool {
	d := Delay(base, attempt, cap)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-done:
		return false
	}
}

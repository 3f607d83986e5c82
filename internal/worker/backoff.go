package worker

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// BackoffPolicy computes retry delays for failed jobs: exponential growth
// from Base, capped at Cap.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given retry attempt (1-based). Attempt 1
// waits Base, attempt 2 waits twice that, and so on up to Cap.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := retry.WithCappedDuration(p.Cap, retry.NewExponential(p.Base))

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := backoff.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}

package sync

import (
	"time"

	"github.com/jpillora/backoff"
)

// BackoffPolicy computes the delay before a failed command becomes
// eligible again. It is stateless: the delay is derived from the
// command's persisted retry count, so the schedule survives restarts.
type BackoffPolicy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the delay regardless of retry count.
	Max time.Duration
	// Multiplier is the factor applied per additional failure.
	Multiplier float64
}

// DefaultBackoffPolicy returns the policy used when none is configured:
// 1s initial delay, doubling per failure, capped at 30s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before attempt retryCount+1. retryCount is the
// number of failures already recorded, so the first failure (retryCount 0
// at dispatch time) yields the initial delay.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	b := &backoff.Backoff{
		Min:    p.Initial,
		Max:    p.Max,
		Factor: p.Multiplier,
		Jitter: false,
	}
	if retryCount < 0 {
		retryCount = 0
	}
	return b.ForAttempt(float64(retryCount))
}

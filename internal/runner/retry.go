package runner

import "time"

// RetryPolicy decides whether a failed attempt is retried within the same
// cycle and how long to wait first. The production policy is exactly one
// retry after a fixed delay, regardless of error type; anything beyond
// that is a cycle-level concern handled by the circuit breaker.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// Delay is the fixed wait before each retry.
	Delay time.Duration
}

// DefaultRetryPolicy returns the production policy: one retry, 30 seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 1, Delay: 30 * time.Second}
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-indexed attempt failed, and the delay to wait first. The error is
// accepted for signature stability but no error class is retry-exempt at
// this layer.
func (p RetryPolicy) ShouldRetry(attempt int, _ error) (bool, time.Duration) {
	if attempt > p.MaxRetries {
		return false, 0
	}
	return true, p.Delay
}

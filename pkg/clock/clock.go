// Package clock abstracts time so the orchestrator's waits can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of time operations the run loop and job runner need.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
	// After waits for d to elapse and then sends the current time on the
	// returned channel.
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard time package.
type Real struct{}

// New returns a Clock backed by real time.
func New() Clock {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Package resilience provides the retry and failure-isolation primitives that
// gate every external call a workflow makes: exponential backoff and
// per-target circuit breakers.
package resilience

import (
	"time"
)

// Delay returns how long to wait before the given attempt.
//
// The first attempt never waits. Attempt n >= 2 waits min(base * 2^(n-2), max),
// so a max <= 0 means retries run back to back. Attempts <= 0 are treated as
// the first attempt.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 1 || base <= 0 || max <= 0 {
		return 0
	}
	if base >= max {
		return max
	}

	d := base
	for i := 2; i < attempt; i++ {
		// Stop doubling once the cap is reached so large attempts cannot overflow.
		if d > max-d {
			return max
		}
		d *= 2
	}
	return d
}

// Policy is a fixed base/max pair for Delay.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// NewPolicy builds a Policy from millisecond settings.
func NewPolicy(baseMs, maxMs int64) Policy {
	return Policy{
		Base: time.Duration(baseMs) * time.Millisecond,
		Max:  time.Duration(maxMs) * time.Millisecond,
	}
}

// Delay returns the wait before attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return Delay(attempt, p.Base, p.Max)
}

// Wait blocks for the attempt's delay or until done closes.
// Returns false if done fired first.
func (p Policy) Wait(clock Clock, attempt int, done <-chan struct{}) bool {
	d := p.Delay(attempt)
	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	select {
	case <-clock.After(d):
		return true
	case <-done:
		return false
	}
}

// Package ratelimit provides the shared write-rate governor for GitHub calls.
//
// GitHub's integrator guidelines ask clients making many POST, PATCH, PUT or
// DELETE requests for a single user to wait at least one second between each
// request. Every write-type call in this program acquires a permit from a
// single shared Limiter immediately before the HTTP call.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultInterval is the minimum spacing between write calls.
const DefaultInterval = time.Second

// Limiter serializes callers so that consecutive permits are separated by at
// least Interval. It is a mutex-protected earliest-next-call time, not a
// token bucket: there is no background refill and no burst allowance.
type Limiter struct {
	Interval time.Duration

	mu   sync.Mutex
	next time.Time

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewLimiter returns a limiter enforcing the given minimum spacing.
// A non-positive interval falls back to DefaultInterval.
func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Limiter{Interval: interval, sleep: time.Sleep}
}

// Acquire blocks until at least Interval has elapsed since the previous
// permit was granted, then grants a permit to the caller.
func (l *Limiter) Acquire() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if wait := l.next.Sub(now); wait > 0 {
		l.sleep(wait)
		now = now.Add(wait)
	}
	l.next = now.Add(l.Interval)
}

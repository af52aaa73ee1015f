// Package ratelimit enforces a per-key request quota over a trailing window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Limiter records request timestamps per key. A request is admitted when
// fewer than max timestamps are newer than now-window; rejected requests
// are not recorded.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	max     int
	window  time.Duration
	clock   clockwork.Clock
}

// New creates a limiter admitting max requests per window for each key
func New(max int, window time.Duration, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		windows: make(map[string][]time.Time),
		max:     max,
		window:  window,
		clock:   clock,
	}
}

// Allow records a request for key if the quota permits it. When it does
// not, retryAfter is the time until the oldest in-window request expires.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := prune(l.windows[key], cutoff)
	if len(recent) >= l.max {
		l.windows[key] = recent
		return false, recent[0].Add(l.window).Sub(now)
	}

	l.windows[key] = append(recent, now)
	return true, 0
}

// Remaining reports how many requests key may still make in the current window.
func (l *Limiter) Remaining(key string) int {
	cutoff := l.clock.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := prune(l.windows[key], cutoff)
	if len(recent) == 0 {
		delete(l.windows, key)
	} else {
		l.windows[key] = recent
	}
	return l.max - len(recent)
}

// prune drops timestamps at or before cutoff; ts is in ascending order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

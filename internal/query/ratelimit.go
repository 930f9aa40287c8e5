package query

import (
	"sync"
	"time"
)

// RateLimiter is the router's admission gate: a per-caller request
// budget over a sliding window. Safe for concurrent use.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	callers map[string][]time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window
// per caller. A non-positive limit disables the gate.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		callers: make(map[string][]time.Time),
	}
}

// Allow records one request for the caller and reports whether it fits
// in the window budget.
func (rl *RateLimiter) Allow(callerID string) bool {
	if rl.limit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.callers[callerID][:0]
	for _, t := range rl.callers[callerID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.callers[callerID] = recent
		return false
	}

	rl.callers[callerID] = append(recent, now)
	return true
}

// Prune drops callers with no requests inside the window. Called
// opportunistically by the daemon's housekeeping loop.
func (rl *RateLimiter) Prune() {
	cutoff := time.Now().Add(-rl.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for caller, times := range rl.callers {
		live := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(rl.callers, caller)
		} else {
			rl.callers[caller] = live
		}
	}
}

package query

import (
	"testing"
	"time"
)

func TestRateLimiterEnforcesLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("caller-a") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("caller-a") {
		t.Error("fourth request should be rejected")
	}
	// Other callers are unaffected.
	if !rl.Allow("caller-b") {
		t.Error("independent caller should be allowed")
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)
	rl.Allow("c")
	rl.Allow("c")
	if rl.Allow("c") {
		t.Fatal("over budget")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("c") {
		t.Error("window should have slid past old requests")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !rl.Allow("c") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestRateLimiterPrune(t *testing.T) {
	rl := NewRateLimiter(5, 20*time.Millisecond)
	rl.Allow("stale")
	time.Sleep(30 * time.Millisecond)
	rl.Prune()

	rl.mu.Lock()
	_, exists := rl.callers["stale"]
	rl.mu.Unlock()
	if exists {
		t.Error("stale caller should have been pruned")
	}
}

package api

import (
	"testing"
	"time"
)

func TestRateLimiterBurstThenThrottle(t *testing.T) {
	rl := NewRateLimiter(60, 3)

	for i := 0; i < 3; i++ {
		if allowed, _ := rl.allow("10.0.0.1"); !allowed {
			t.Fatalf("Request %d within burst capacity was throttled", i+1)
		}
	}

	allowed, retryAfter := rl.allow("10.0.0.1")
	if allowed {
		t.Fatal("Request beyond burst capacity should be throttled")
	}
	if retryAfter <= 0 {
		t.Errorf("Expected a positive retry-after hint, got %v", retryAfter)
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	rl := NewRateLimiter(60, 1)

	rl.allow("10.0.0.1")
	if allowed, _ := rl.allow("10.0.0.1"); allowed {
		t.Fatal("First client should be drained")
	}
	if allowed, _ := rl.allow("10.0.0.2"); !allowed {
		t.Fatal("Second client must not be affected by the first client's bucket")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(60, 1) // one token per second
	ip := "10.0.0.3"

	rl.allow(ip)
	if allowed, _ := rl.allow(ip); allowed {
		t.Fatal("Bucket should be empty after the burst")
	}

	// Rewind the bucket clock instead of sleeping.
	rl.mu.Lock()
	bucket := rl.buckets[ip]
	rl.mu.Unlock()
	bucket.mu.Lock()
	bucket.lastSeen = bucket.lastSeen.Add(-2 * time.Second)
	bucket.mu.Unlock()

	if allowed, _ := rl.allow(ip); !allowed {
		t.Fatal("Bucket should have refilled after the idle period")
	}
}

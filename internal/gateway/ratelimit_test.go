package gateway_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/basket/hivegate/internal/gateway"
)

func TestFailureLimiterUnderLimit(t *testing.T) {
	fl := gateway.NewFailureLimiter(20, time.Minute, 0)
	now := time.Now()

	for i := 0; i < 20; i++ {
		v := fl.RecordFailure("10.0.0.1", now)
		if v.Throttled {
			t.Fatalf("failure %d: throttled before limit exceeded", i+1)
		}
	}
}

func TestFailureLimiterOverLimit(t *testing.T) {
	fl := gateway.NewFailureLimiter(20, time.Minute, 0)
	now := time.Now()

	for i := 0; i < 20; i++ {
		fl.RecordFailure("10.0.0.1", now)
	}
	v := fl.RecordFailure("10.0.0.1", now)
	if !v.Throttled {
		t.Fatal("21st failure in window: expected throttled")
	}
	if v.RetryAfter < time.Second {
		t.Fatalf("RetryAfter = %v, want >= 1s", v.RetryAfter)
	}
	if v.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v, want <= window", v.RetryAfter)
	}
}

func TestFailureLimiterWindowReset(t *testing.T) {
	fl := gateway.NewFailureLimiter(3, time.Minute, 0)
	now := time.Now()

	for i := 0; i < 3; i++ {
		fl.RecordFailure("10.0.0.1", now)
	}
	if !fl.RecordFailure("10.0.0.1", now).Throttled {
		t.Fatal("expected throttled at limit+1")
	}

	// One full window later the count starts over.
	later := now.Add(time.Minute)
	if fl.RecordFailure("10.0.0.1", later).Throttled {
		t.Fatal("expected fresh window after expiry")
	}
}

func TestFailureLimiterClear(t *testing.T) {
	fl := gateway.NewFailureLimiter(2, time.Minute, 0)
	now := time.Now()

	fl.RecordFailure("10.0.0.1", now)
	fl.RecordFailure("10.0.0.1", now)
	fl.ClearFailure("10.0.0.1")

	if fl.KeyCount() != 0 {
		t.Fatalf("KeyCount = %d after clear, want 0", fl.KeyCount())
	}
	if fl.RecordFailure("10.0.0.1", now).Throttled {
		t.Fatal("cleared key should start from zero")
	}
}

func TestFailureLimiterPrunesExpiredBeforeEvicting(t *testing.T) {
	fl := gateway.NewFailureLimiter(20, time.Minute, 4)
	start := time.Now()

	// Three keys whose windows will be expired, one active key.
	fl.RecordFailure("expired-1", start)
	fl.RecordFailure("expired-2", start)
	fl.RecordFailure("expired-3", start)
	active := start.Add(59 * time.Second)
	fl.RecordFailure("active", active)

	// The cap is hit; the expired keys make room without touching the
	// active one.
	fl.RecordFailure("fresh", start.Add(61*time.Second))

	if fl.KeyCount() != 2 {
		t.Fatalf("KeyCount = %d, want 2 (active + fresh)", fl.KeyCount())
	}
	// The active key keeps its count: one more failure continues from 1.
	v := fl.RecordFailure("active", active.Add(time.Second))
	if v.Throttled {
		t.Fatal("active key should not be throttled at count 2")
	}
}

func TestFailureLimiterEvictsOldestHalfWhenAllActive(t *testing.T) {
	fl := gateway.NewFailureLimiter(20, time.Minute, 4)
	now := time.Now()

	for i := 0; i < 4; i++ {
		fl.RecordFailure(fmt.Sprintf("key-%d", i), now)
	}
	fl.RecordFailure("overflow", now)

	// Oldest half (key-0, key-1) evicted; the rest plus the new key remain.
	if fl.KeyCount() != 3 {
		t.Fatalf("KeyCount = %d, want 3", fl.KeyCount())
	}
}

func TestFailureLimiterUpdateRefreshesInsertionOrder(t *testing.T) {
	fl := gateway.NewFailureLimiter(20, time.Minute, 4)
	now := time.Now()

	fl.RecordFailure("first", now)
	fl.RecordFailure("second", now)
	fl.RecordFailure("third", now)
	fl.RecordFailure("fourth", now)

	// Touch "first" so it is no longer the oldest.
	fl.RecordFailure("first", now.Add(time.Second))

	fl.RecordFailure("overflow", now.Add(2*time.Second))

	// second and third are now the oldest half; first must survive.
	if fl.RecordFailure("first", now.Add(3*time.Second)).Throttled {
		t.Fatal("refreshed key unexpectedly throttled")
	}
	if fl.KeyCount() != 3 {
		t.Fatalf("KeyCount = %d, want 3", fl.KeyCount())
	}
}

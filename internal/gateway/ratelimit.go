package gateway

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultFailureLimit  = 20
	defaultFailureWindow = 60 * time.Second
	defaultMaxKeys       = 2048
)

// failureWindow is one sliding window counter.
type failureWindow struct {
	count         int
	windowStarted time.Time
}

// Verdict is the outcome of recording an auth failure.
type Verdict struct {
	Throttled  bool
	RetryAfter time.Duration
}

// FailureLimiter throttles repeated authentication failures per client key.
// The tracked-key map is hard-capped; on overflow, expired windows are pruned
// first and, if the map is still full, the oldest half by insertion order is
// evicted. Insertion order refreshes on every update so active keys outlive
// dormant ones.
type FailureLimiter struct {
	mu      sync.Mutex
	windows map[string]*failureWindow
	// order holds keys oldest-first. A key appears exactly once; updates
	// delete and re-append.
	order []string

	limit   int
	window  time.Duration
	maxKeys int
}

// NewFailureLimiter creates a limiter. Zero values take the defaults
// (limit 20, window 60s, 2048 tracked keys).
func NewFailureLimiter(limit int, window time.Duration, maxKeys int) *FailureLimiter {
	if limit <= 0 {
		limit = defaultFailureLimit
	}
	if window <= 0 {
		window = defaultFailureWindow
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &FailureLimiter{
		windows: make(map[string]*failureWindow),
		limit:   limit,
		window:  window,
		maxKeys: maxKeys,
	}
}

// RecordFailure increments the key's window counter at the given instant and
// reports whether the key is now throttled. An elapsed window resets the
// count to 1.
func (fl *FailureLimiter) RecordFailure(key string, now time.Time) Verdict {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	w, ok := fl.windows[key]
	if !ok {
		if len(fl.windows) >= fl.maxKeys {
			fl.evictLocked(now)
		}
		w = &failureWindow{count: 1, windowStarted: now}
		fl.windows[key] = w
		fl.order = append(fl.order, key)
		return Verdict{}
	}

	if now.Sub(w.windowStarted) >= fl.window {
		w.count = 1
		w.windowStarted = now
	} else {
		w.count++
	}
	fl.refreshOrderLocked(key)

	if w.count > fl.limit {
		remaining := fl.window - now.Sub(w.windowStarted)
		if remaining < time.Second {
			remaining = time.Second
		}
		return Verdict{Throttled: true, RetryAfter: remaining}
	}
	return Verdict{}
}

// ClearFailure removes the key's window so a legitimate client is never
// penalized by a stale count.
func (fl *FailureLimiter) ClearFailure(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if _, ok := fl.windows[key]; !ok {
		return
	}
	delete(fl.windows, key)
	fl.removeOrderLocked(key)
}

// KeyCount returns the number of tracked keys.
func (fl *FailureLimiter) KeyCount() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.windows)
}

// evictLocked makes room for one new key: prune expired windows, then evict
// the oldest half by insertion order if the map is still full. A full clear
// would let an attacker reset everyone's throttling by flooding keys.
func (fl *FailureLimiter) evictLocked(now time.Time) {
	kept := fl.order[:0]
	pruned := 0
	for _, key := range fl.order {
		w := fl.windows[key]
		if w != nil && now.Sub(w.windowStarted) >= fl.window {
			delete(fl.windows, key)
			pruned++
			continue
		}
		kept = append(kept, key)
	}
	fl.order = kept

	if len(fl.windows) < fl.maxKeys {
		if pruned > 0 {
			slog.Debug("auth limiter pruned expired windows", "pruned", pruned, "remaining", len(fl.windows))
		}
		return
	}

	half := len(fl.order) / 2
	for _, key := range fl.order[:half] {
		delete(fl.windows, key)
	}
	fl.order = append([]string(nil), fl.order[half:]...)
	slog.Debug("auth limiter evicted oldest half", "evicted", half, "remaining", len(fl.windows))
}

func (fl *FailureLimiter) refreshOrderLocked(key string) {
	fl.removeOrderLocked(key)
	fl.order = append(fl.order, key)
}

func (fl *FailureLimiter) removeOrderLocked(key string) {
	for i, k := range fl.order {
		if k == key {
			fl.order = append(fl.order[:i], fl.order[i+1:]...)
			return
		}
	}
}

package security

import (
	"container/list"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxEntries = 10000

// limiterEntry tracks one identifier's limiter and its last use.
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter enforces a fixed request budget per window for each identifier
// (typically a client IP). Internally each identifier gets a token bucket
// sized to the budget that refills over the window, so a client can spend its
// whole budget at once but then has to wait. Entries are evicted LRU so
// memory stays bounded under distributed load.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*list.Element
	lru      *list.List

	budget     int
	window     time.Duration
	maxEntries int

	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a rate limiter allowing budget requests per window
// per identifier. A zero budget disables limiting (Allow always succeeds).
func NewRateLimiter(budget int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 10 * time.Second
	}

	rl := &RateLimiter{
		limiters:    make(map[string]*list.Element),
		lru:         list.New(),
		budget:      budget,
		window:      window,
		maxEntries:  defaultMaxEntries,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from identifier fits within its budget.
func (rl *RateLimiter) Allow(identifier string) bool {
	if rl.budget <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = time.Now()
		return entry.limiter.Allow()
	}

	if len(rl.limiters) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(float64(rl.budget)/rl.window.Seconds()), rl.budget),
		lastAccess: time.Now(),
	}
	rl.limiters[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.Allow()
}

// RetryAfter returns the number of seconds a rejected caller should wait
// before the next request has a chance of being admitted.
func (rl *RateLimiter) RetryAfter() int {
	if rl.budget <= 0 {
		return 0
	}
	return int(math.Ceil(rl.window.Seconds() / float64(rl.budget)))
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	back := rl.lru.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*limiterEntry)
	rl.lru.Remove(back)
	delete(rl.limiters, entry.identifier)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops entries idle longer than two windows (minimum 30 minutes,
// matching eviction of one-shot scanners without churning active clients).
func (rl *RateLimiter) cleanup() {
	idle := 2 * rl.window
	if idle < 30*time.Minute {
		idle = 30 * time.Minute
	}
	cutoff := time.Now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if entry.lastAccess.After(cutoff) {
			break // list is ordered by recency
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.limiters, entry.identifier)
		removed++
		elem = prev
	}
	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup", "removed", removed, "remaining", len(rl.limiters))
	}
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

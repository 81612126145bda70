package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per key. Buckets unused for entryTTL
// are dropped by a cleanup goroutine.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rateLimiterEntry

	rps   float64
	burst int

	cleanupInterval time.Duration
	entryTTL        time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per key
// with the given burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		limiters:        make(map[string]*rateLimiterEntry),
		rps:             rps,
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		entryTTL:        10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.rps <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[key]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup removes entries not used since now minus entryTTL.
func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.entryTTL)
	for key, entry := range rl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Count returns the number of tracked keys.
func (rl *RateLimiter) Count() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

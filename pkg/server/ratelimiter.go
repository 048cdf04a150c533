package server

import (
	"sync"
	"time"
)

// RateLimiter is a per-key sliding-window limiter. Keys are user ids.
type RateLimiter struct {
	limits          map[string][]time.Time
	maxRequests     int
	window          time.Duration
	now             func() time.Time
	mu              sync.Mutex
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter creates a limiter allowing maxRequestsPerMinute requests per
// key in any one-minute window. A non-positive limit disables limiting.
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		limits:          make(map[string][]time.Time),
		maxRequests:     maxRequestsPerMinute,
		window:          time.Minute,
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.startCleanup()

	return rl
}

// Allow records a request for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.maxRequests <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	requests := rl.recent(rl.limits[key], now)
	if len(requests) >= rl.maxRequests {
		rl.limits[key] = requests
		return false
	}

	rl.limits[key] = append(requests, now)
	return true
}

// RetryAfter returns the whole seconds until key may send again.
func (rl *RateLimiter) RetryAfter(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	requests := rl.limits[key]
	if len(requests) == 0 {
		return 0
	}

	wait := rl.window - rl.now().Sub(requests[0])
	if wait <= 0 {
		return 0
	}
	// round up
	return int((wait + time.Second - 1) / time.Second)
}

// recent drops requests that have left the window.
func (rl *RateLimiter) recent(requests []time.Time, now time.Time) []time.Time {
	valid := requests[:0]
	for _, t := range requests {
		if now.Sub(t) < rl.window {
			valid = append(valid, t)
		}
	}
	return valid
}

func (rl *RateLimiter) startCleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
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

// cleanup forgets keys with no requests in the current window.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, requests := range rl.limits {
		valid := rl.recent(requests, now)
		if len(valid) == 0 {
			delete(rl.limits, key)
		} else {
			rl.limits[key] = valid
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

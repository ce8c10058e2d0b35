package presence

import (
	"sync"
	"time"
)

// RateLimiter throttles snapshot writes per location
type RateLimiter struct {
	mu        sync.Mutex
	lastWrite map[string]time.Time
	now       func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		lastWrite: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Allow reports whether minIntervalMs has passed since the last recorded
// write for location, and records a write when it has
func (rl *RateLimiter) Allow(location string, minIntervalMs int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	lastTime, exists := rl.lastWrite[location]
	if exists && now.Sub(lastTime) < time.Duration(minIntervalMs)*time.Millisecond {
		return false
	}

	rl.lastWrite[location] = now
	return true
}

// Record marks a write that bypassed the limiter (e.g. on a transition)
func (rl *RateLimiter) Record(location string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lastWrite[location] = rl.now()
}

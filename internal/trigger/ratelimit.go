package trigger

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-source and global event ingestion limits.
// Token bucket via golang.org/x/time/rate.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	sources   map[string]*rate.Limiter
	perSource rate.Limit
	burst     int
}

// NewRateLimiter creates a limiter. globalRPM is the total events/minute
// across all sources; perSourceRPM is the per-source events/minute.
func NewRateLimiter(globalRPM, perSourceRPM int) *RateLimiter {
	globalBurst := globalRPM
	if globalBurst < 1 {
		globalBurst = 1
	}
	sourceBurst := perSourceRPM
	if sourceBurst < 1 {
		sourceBurst = 1
	}
	return &RateLimiter{
		global:    rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), globalBurst),
		sources:   make(map[string]*rate.Limiter),
		perSource: rate.Limit(float64(perSourceRPM) / 60.0),
		burst:     sourceBurst,
	}
}

// Allow reports whether an event from the given source may be ingested.
func (rl *RateLimiter) Allow(source string) bool {
	if !rl.global.Allow() {
		return false
	}
	rl.mu.Lock()
	limiter, ok := rl.sources[source]
	if !ok {
		limiter = rate.NewLimiter(rl.perSource, rl.burst)
		rl.sources[source] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter holds one token bucket per connection for inbound client
// messages. Burst covers a client re-subscribing to many topics at once,
// the sustained rate caps chatty clients.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	burst    int
	rate     rate.Limit
}

// NewRateLimiter creates a limiter allowing burst messages at once and
// perSecond messages sustained, per connection.
func NewRateLimiter(burst int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		burst:    burst,
		rate:     rate.Limit(perSecond),
	}
}

// CheckLimit consumes one token for the connection and reports whether the
// message may be processed.
func (rl *RateLimiter) CheckLimit(connectionID string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[connectionID]
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[connectionID] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

// RemoveClient drops the bucket of a disconnected connection.
func (rl *RateLimiter) RemoveClient(connectionID string) {
	rl.mu.Lock()
	delete(rl.limiters, connectionID)
	rl.mu.Unlock()
}

// Len returns the number of tracked connections.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

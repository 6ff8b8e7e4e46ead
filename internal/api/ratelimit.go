package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default per-user REST limits.
const (
	DefaultRequestsPerSecond = 10.0
	DefaultBurst             = 20
)

// RateLimiter keeps one token bucket per caller.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimit
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimit),
		limit:   rate.Limit(requestsPerSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether key may make another request now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cl, ok := rl.clients[key]
	if !ok {
		cl = &clientLimit{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// Cleanup drops buckets idle for longer than idle and returns how many
// were removed.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > idle {
			delete(rl.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked callers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

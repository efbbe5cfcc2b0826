package api

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per key. Idle buckets expire.
type RateLimiter struct {
	limiters *cache.Cache
	lock     sync.Mutex
	limit    float64
	burst    int
}

func NewRateLimiter(limit float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: cache.New(10*time.Minute, 5*time.Minute),
		limit:    limit,
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.lock.Lock()
	defer rl.lock.Unlock()

	if limiter, ok := rl.limiters.Get(key); ok {
		rl.limiters.Set(key, limiter, cache.DefaultExpiration)
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(rate.Limit(rl.limit), rl.burst)
	rl.limiters.Set(key, limiter, cache.DefaultExpiration)

	return limiter
}

// Allow reports whether key may proceed now. A non-positive limit
// disables limiting.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	return rl.GetLimiter(key).Allow()
}

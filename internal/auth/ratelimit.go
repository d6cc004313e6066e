package auth

import (
	"sync"
	"time"
)

// tokenBucket is a per-key token-bucket rate limiter: tokens refill
// continuously at ratePerMinute/minute up to a burst capacity equal to
// ratePerMinute.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	updatedAt  time.Time
}

func newTokenBucket(ratePerMinute int) *tokenBucket {
	if ratePerMinute <= 0 {
		ratePerMinute = 1
	}
	cap := float64(ratePerMinute)
	return &tokenBucket{
		tokens:     cap,
		capacity:   cap,
		refillRate: cap / 60.0,
		updatedAt:  time.Now(),
	}
}

// Allow consumes one token if available and reports whether the request
// is admitted, along with a retry-after duration when it is not.
func (b *tokenBucket) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.updatedAt).Seconds()
	b.updatedAt = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit/b.refillRate*float64(time.Second)) + time.Millisecond
	return false, wait
}

// RateLimiter owns one token bucket per API key prefix. Buckets are
// created lazily and never evicted for the process lifetime; the set of
// live API keys is small and bounded by the number of issued keys.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter constructs an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*tokenBucket)}
}

// Allow checks and consumes a token for key, creating its bucket with
// capacity ratePerMinute on first use.
func (r *RateLimiter) Allow(key string, ratePerMinute int) (bool, time.Duration) {
	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		b = newTokenBucket(ratePerMinute)
		r.buckets[key] = b
	}
	r.mu.Unlock()
	return b.Allow()
}

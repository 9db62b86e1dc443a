package execgate

import (
	"sync"
	"time"
)

// TokenBucket is a per-key rate limiter: capacity tokens refilled at rate
// tokens per second. Used for per-user open/trade/chat limits.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	buckets  map[string]*bucketState
	now      func() time.Time
}

type bucketState struct {
	tokens   float64
	lastFill time.Time
}

// NewTokenBucket creates a limiter allowing capacity events per window.
func NewTokenBucket(capacity float64, window time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		rate:     capacity / window.Seconds(),
		buckets:  make(map[string]*bucketState),
		now:      time.Now,
	}
}

// Allow consumes one token for key, returning false when the bucket is dry.
func (tb *TokenBucket) Allow(key string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucketState{tokens: tb.capacity, lastFill: now}
		tb.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * tb.rate
	if b.tokens > tb.capacity {
		b.tokens = tb.capacity
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

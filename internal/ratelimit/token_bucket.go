// Package ratelimit bounds how fast mutations are pushed to the ads
// platform, with one token bucket per tenant.
//
// A bucket allows bursts up to its capacity and refills at a constant rate,
// so a large batch drains the burst and then proceeds at the sustained rate.
package ratelimit

import (
	"sync"
	"time"
)

var nowFn = time.Now

// TokenBucket implements a thread-safe token bucket rate limiter.
type TokenBucket struct {
	capacity   int        // Maximum number of tokens the bucket can hold
	tokens     int        // Current number of tokens in the bucket
	refillRate int        // Number of tokens added per second
	lastRefill time.Time  // Last time tokens were added to the bucket
	mu         sync.Mutex // Protects all bucket state
	hitCount   int64      // Number of requests that were rate limited
	totalCount int64      // Total number of requests processed
}

// NewTokenBucket creates a full bucket. Capacity and refill rate below one
// are raised to one.
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate < 1 {
		refillRate = 1
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: nowFn(),
	}
}

// Allow attempts to consume one token from the bucket.
func (tb *TokenBucket) Allow() bool {
	ok, _ := tb.take()
	return ok
}

// take consumes a token if one is available. Otherwise it reports how long
// until the next token arrives.
func (tb *TokenBucket) take() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.totalCount++

	now := nowFn()
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		// keep the fractional remainder so slow polling does not lose tokens
		tb.lastRefill = tb.lastRefill.Add(time.Duration(tokensToAdd) * time.Second / time.Duration(tb.refillRate))
		if tb.tokens == tb.capacity {
			tb.lastRefill = now
		}
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true, 0
	}

	tb.hitCount++
	interval := time.Second / time.Duration(tb.refillRate)
	wait := tb.lastRefill.Add(interval).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// Stats returns the number of rejected and total requests.
func (tb *TokenBucket) Stats() (hits, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hitCount, tb.totalCount
}

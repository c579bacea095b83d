// ratelimit.go implements token-bucket rate limiting for external APIs.
//
// The Coinbase Advanced Trade API enforces per-key request quotas; a smooth
// token bucket (continuous refill rather than window bursts) keeps the
// engine under them. Buckets are shared per endpoint category across all
// callers in the process. Callers either block in Wait until a token is
// available or bail out when their context expires, surfacing RATE_LIMITED.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Reset refills the bucket; exposed for test isolation.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	tb.tokens = tb.capacity
	tb.lastTime = time.Now()
	tb.mu.Unlock()
}

// RateLimiter groups token buckets by endpoint category. Each outbound call
// waits on the matching bucket before issuing the HTTP request.
type RateLimiter struct {
	Order    *TokenBucket // POST /orders and order previews
	Account  *TokenBucket // balances, fills, order history
	Metadata *TokenBucket // product metadata and public listings
}

// NewRateLimiter creates buckets tuned to the public per-key quotas.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:    NewTokenBucket(10, 5),
		Account:  NewTokenBucket(20, 10),
		Metadata: NewTokenBucket(10, 5),
	}
}

// Reset refills every bucket; exposed for test isolation.
func (rl *RateLimiter) Reset() {
	rl.Order.Reset()
	rl.Account.Reset()
	rl.Metadata.Reset()
}

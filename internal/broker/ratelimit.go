// ratelimit.go implements token-bucket rate limiting for broker REST
// calls.
//
// Alpaca enforces a per-account request budget (200/min on free keys),
// and burst traffic from a cancel sweep can blow through it in one
// tick. The bucket refills continuously rather than per window so a
// steady caller never sees a hard stop.
package broker

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket with continuous refill. Callers block
// in Wait until a token is available or the context is cancelled.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewRateLimiter creates a bucket allowing bursts of up to burst
// requests and a sustained ratePerSecond. Non-positive inputs fall back
// to one request per second.
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		tokens:   float64(burst),
		capacity: float64(burst),
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

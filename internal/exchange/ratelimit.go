// ratelimit.go provides token-bucket pacing for outbound exchange calls.
//
// Both exchange families throttle per endpoint category, and several
// strategies issue bursts (ladder placement, cancel loops) that would trip
// those limits without smoothing. Each client keeps three buckets that
// refill continuously:
//
//   - Market: public reads (ticker, depth, symbols, time)
//   - Order:  order placement
//   - Cancel: cancellation, including the cancel-all loops
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilling rate limiter. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu     sync.Mutex
	tokens float64 // fractional tokens currently available
	burst  float64 // bucket capacity
	rate   float64 // tokens added per second
	last   time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and refill
// rate per second. The bucket starts full.
func NewTokenBucket(burst, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens: burst,
		burst:  burst,
		rate:   ratePerSecond,
		last:   time.Now(),
	}
}

// Wait blocks until one token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
		if tb.tokens > tb.burst {
			tb.tokens = tb.burst
		}
		tb.last = now

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
		}
	}
}

// pacer groups buckets by request category. Both family clients share the
// same conservative defaults; the exchanges' published limits are well above
// these, so the buckets only matter during strategy bursts.
type pacer struct {
	Market *TokenBucket
	Order  *TokenBucket
	Cancel *TokenBucket
}

func newPacer() *pacer {
	return &pacer{
		Market: NewTokenBucket(60, 10),
		Order:  NewTokenBucket(30, 5),
		Cancel: NewTokenBucket(30, 5),
	}
}

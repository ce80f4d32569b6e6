package openai

import (
	"context"
	"sync"
	"time"
)

// rateLimiter is a token bucket. A nil *rateLimiter never blocks.
type rateLimiter struct {
	mu       sync.Mutex // protects lastTime and tokens
	lastTime time.Time
	tokens   int

	window time.Duration
	rate   int
}

// newRateLimiter allows rate units of work per window, e.g.
// newRateLimiter(10, time.Minute) allows 10 requests a minute. It returns nil,
// meaning unlimited, when rate is not positive.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	if rate <= 0 {
		return nil
	}
	return &rateLimiter{
		window:   window,
		rate:     rate,
		lastTime: time.Now(),
		tokens:   rate,
	}
}

// Acquire blocks until a token is available or ctx is done.
func (rl *rateLimiter) Acquire(ctx context.Context) error {
	if rl == nil {
		return ctx.Err()
	}
	for {
		if rl.tryAcquire() {
			return nil
		}

		// The bucket is empty. Tokens refill evenly over the window so one
		// arrives within window/rate.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.window / time.Duration(rl.rate)):
		}
	}
}

func (rl *rateLimiter) tryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	refill := int(now.Sub(rl.lastTime).Nanoseconds() * int64(rl.rate) / rl.window.Nanoseconds())
	if refill > 0 {
		// Only advance lastTime by whole tokens so partial refills carry over
		// between calls.
		rl.lastTime = rl.lastTime.Add(time.Duration(int64(refill) * rl.window.Nanoseconds() / int64(rl.rate)))
		rl.tokens = min(rl.tokens+refill, rl.rate)
	}
	if rl.tokens <= 0 {
		return false
	}
	rl.tokens--
	return true
}

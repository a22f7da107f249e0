package bot

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket for outbound lines. Servers disconnect
// clients that flood, so every line written takes one token.
type RateLimiter struct {
	mu       sync.Mutex
	burst    float64
	perLine  time.Duration // refill time for one token
	avail    float64
	refilled time.Time
}

// NewRateLimiter returns nil when linesPerMinute is not positive, which
// disables flood control.
func NewRateLimiter(burst int, linesPerMinute float64) *RateLimiter {
	if linesPerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return &RateLimiter{
		burst:    float64(burst),
		perLine:  time.Duration(float64(time.Minute) / linesPerMinute),
		avail:    float64(burst),
		refilled: time.Now(),
	}
}

// Wait blocks until a token is available. A nil limiter never blocks.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	for {
		delay := rl.take(time.Now())
		if delay == 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take consumes a token if one is available and otherwise returns how long
// until the next one.
func (rl *RateLimiter) take(now time.Time) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.avail = min(rl.burst, rl.avail+float64(now.Sub(rl.refilled))/float64(rl.perLine))
	rl.refilled = now
	if rl.avail >= 1 {
		rl.avail--
		return 0
	}
	return time.Duration((1 - rl.avail) * float64(rl.perLine))
}

package ratelimit

import (
	"sync"
	"time"
)

const nanosPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilled at an integer
// tokens/sec rate from a provided Clock.
//
// Token balances are tracked in fixed-point "nano-tokens" (1 token = 1e9
// nano-tokens) so refill math stays exact regardless of call cadence.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64         // tokens
	rate     int64         // tokens/sec, 0 in interval mode
	interval time.Duration // time per token, 0 in rate mode

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a bucket that starts full. A nil clock uses
// RealClock. capacity <= 0 or rate <= 0 yields a bucket that rejects every
// positive request, which callers use to mean "feature disabled".
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity * nanosPerToken,
		last:      clock.Now(),
	}
}

// NewTokenBucketEvery returns a full bucket refilled one whole token per
// interval, for rates slower than a token per second. capacity <= 0 or
// interval <= 0 yields a bucket that rejects every positive request.
func NewTokenBucketEvery(clock Clock, capacity int64, interval time.Duration) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if interval < 0 {
		interval = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		interval:  interval,
		available: capacity * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := tokens * nanosPerToken
	if cost/nanosPerToken != tokens || b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards. Re-anchor without refilling.
		b.last = now
		return
	}
	if b.interval > 0 {
		b.refillEveryLocked(now)
		return
	}

	elapsed := now.Sub(b.last)
	b.last = now

	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	max := b.capacity * nanosPerToken
	need := max - b.available
	if need <= 0 {
		b.available = max
		return
	}

	// rate tokens/sec == rate nano-tokens per nanosecond; clamp instead of
	// multiplying when the elapsed window alone is enough to fill the bucket.
	ns := elapsed.Nanoseconds()
	if ns >= need/b.rate {
		b.available = max
		return
	}
	b.available += ns * b.rate
}

// refillEveryLocked grants whole tokens and advances last by the time they
// represent, so partial intervals carry over exactly.
func (b *TokenBucket) refillEveryLocked(now time.Time) {
	if b.capacity <= 0 {
		b.last = now
		return
	}

	tokens := int64(now.Sub(b.last)) / int64(b.interval)
	if tokens <= 0 {
		return
	}

	max := b.capacity * nanosPerToken
	if tokens >= b.capacity || b.available > max-tokens*nanosPerToken {
		b.available = max
		b.last = now
		return
	}
	b.available += tokens * nanosPerToken
	b.last = b.last.Add(time.Duration(tokens) * b.interval)
}

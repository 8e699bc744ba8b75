package admission

import (
	"math"
	"time"
)

// bucket is a token bucket. Callers must hold the owning entry's lock; the
// bucket itself carries no synchronization.
type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(capacity, refillRate float64, now time.Time) *bucket {
	return &bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// refill adds elapsed*rate tokens, capped at capacity. Refill is monotonic:
// a clock reading before lastRefill adds nothing.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// take refills then consumes one token if available. It reports whether the
// request is admitted and the tokens remaining after the decision.
func (b *bucket) take(now time.Time) bool {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// remaining reports whole tokens left.
func (b *bucket) remaining() int {
	return int(b.tokens)
}

// resetAt is when the bucket will be full again at the current rate.
func (b *bucket) resetAt(now time.Time) time.Time {
	missing := b.capacity - b.tokens
	if missing <= 0 {
		return now
	}
	return now.Add(time.Duration(missing / b.refillRate * float64(time.Second)))
}

// retryAfter is how long until one token is available.
func (b *bucket) retryAfter() time.Duration {
	return time.Duration(math.Ceil(1000.0/b.refillRate)) * time.Millisecond
}

// throttle shrinks capacity by factor, clamping tokens to the new capacity.
// The refill rate is left alone so retryAfter stays stable for throttled
// keys. Used as the soft response to a suspicious pattern.
func (b *bucket) throttle(factor float64) {
	b.capacity *= factor
	if b.capacity < 1 {
		b.capacity = 1
	}
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

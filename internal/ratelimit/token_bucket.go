// Package ratelimit provides the deterministic token bucket used to cap the
// per-connection signaling message rate.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so bucket behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// fill rate of X tokens/sec adds X nano-tokens per elapsed nanosecond. This
// avoids float rounding in the refill math.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) up to a fixed capacity.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	availableNano int64
	last          time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:         clock,
		capacity:      capacity,
		fillRate:      fillRate,
		availableNano: tokensToNano(capacity),
		last:          clock.Now(),
	}
}

// Allow consumes the provided number of tokens if available.
//
// tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNano < cost {
		return false
	}
	b.availableNano -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := tokensToNano(b.capacity)
	need := capNano - b.availableNano
	if need <= 0 {
		b.availableNano = capNano
		return
	}

	// fillRate tokens/sec equals fillRate nano-tokens per nanosecond. Clamp to
	// capacity before multiplying to avoid overflow on long idle periods.
	if elapsed >= need/b.fillRate+1 {
		b.availableNano = capNano
		return
	}
	b.availableNano += elapsed * b.fillRate
	if b.availableNano > capNano {
		b.availableNano = capNano
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}

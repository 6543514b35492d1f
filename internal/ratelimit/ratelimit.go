// Package ratelimit implements a per-client token bucket rate limiter
// for the execution API. Thread-safe. No background goroutines —
// tokens are refilled lazily on each Allow call, and buckets that have
// sat full for a while are reclaimed on the same path, so a gateway
// serving many short-lived API clients does not accumulate state.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// A full bucket older than this is indistinguishable from no bucket
// and gets dropped during sweeps.
const idleAfter = 10 * time.Minute

// How many Allow calls pass between idle-bucket sweeps.
const sweepEvery = 1024

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-client token bucket rate limiter. Each client gets
// an independent bucket; one client cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	calls   int     // Allow calls since the last idle sweep
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow checks whether the client has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(clientID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.calls++
	if l.calls >= sweepEvery {
		l.calls = 0
		l.sweepIdle(now)
	}

	b, ok := l.clients[clientID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[clientID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	// Try to consume one token.
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// sweepIdle drops buckets that are idle and whose lazy refill would
// already have restored them to full. A dropped client's next request
// starts with a full bucket, which is exactly what it would have had
// anyway; a drained bucket still mid-refill is kept so reclamation
// never grants tokens early. Must be called with l.mu held.
func (l *Limiter) sweepIdle(now time.Time) {
	cutoff := now.Add(-idleAfter)
	for id, b := range l.clients {
		if !b.lastFill.Before(cutoff) {
			continue
		}
		refilled := b.tokens + now.Sub(b.lastFill).Seconds()*l.rate
		if refilled >= l.burst {
			delete(l.clients, id)
		}
	}
}

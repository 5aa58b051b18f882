// Package ratelimit throttles accepted connections globally and per source address.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	t := now()
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.lastUsed = now
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter gates new connections by a global rate and a per-source rate.
// A zero rate disables that limit.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perSource map[string]*TokenBucket
	rate      int
	burst     int
	now       func() time.Time
}

// New creates a limiter; burst is the bucket capacity for both limits.
func New(globalRate, perSourceRate, burst int) *Limiter {
	return NewWithClock(globalRate, perSourceRate, burst, time.Now)
}

// NewWithClock is New with an injected time source.
func NewWithClock(globalRate, perSourceRate, burst int, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		perSource: make(map[string]*TokenBucket),
		rate:      perSourceRate,
		burst:     burst,
		now:       now,
	}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burst, now)
	}
	return l
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.global != nil || l.rate > 0)
}

// AllowConnection checks if a connection from source may proceed.
// A nil limiter allows everything.
func (l *Limiter) AllowConnection(source string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perSource[source]
	if !ok {
		bucket = newTokenBucket(l.rate, l.burst, l.now)
		l.perSource[source] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Sources returns how many per-source buckets are tracked.
func (l *Limiter) Sources() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perSource)
}

// CleanupIdle forgets sources not seen for maxIdle and returns how many went.
func (l *Limiter) CleanupIdle(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for src, bucket := range l.perSource {
		if bucket.idleSince().Before(cutoff) {
			delete(l.perSource, src)
			removed++
		}
	}
	return removed
}

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func TestTokenBucket(t *testing.T) {
	clk := newClock()
	bucket := newTokenBucket(2, 5, clk.now) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		assert.True(t, bucket.Allow(), "initial request %d", i)
	}
	assert.False(t, bucket.Allow(), "bucket empty")

	clk.advance(1 * time.Second)
	assert.True(t, bucket.Allow())
	assert.True(t, bucket.Allow())
	assert.False(t, bucket.Allow())

	// partial refills accumulate
	clk.advance(300 * time.Millisecond)
	assert.False(t, bucket.Allow())
	clk.advance(300 * time.Millisecond)
	assert.True(t, bucket.Allow())

	// refill never exceeds capacity
	clk.advance(time.Hour)
	for i := 0; i < 5; i++ {
		assert.True(t, bucket.Allow())
	}
	assert.False(t, bucket.Allow())
}

func TestTokenBucketWallClock(t *testing.T) {
	bucket := NewTokenBucket(1, 1)
	assert.True(t, bucket.Allow())
	assert.False(t, bucket.Allow())
}

func TestLimiterPerSource(t *testing.T) {
	clk := newClock()
	l := NewWithClock(0, 2, 3, clk.now)
	assert.True(t, l.Enabled())

	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowConnection("192.0.2.1"), "burst %d", i)
	}
	assert.False(t, l.AllowConnection("192.0.2.1"))
	assert.True(t, l.AllowConnection("192.0.2.2"), "separate sources have separate buckets")
	assert.Equal(t, 2, l.Sources())

	clk.advance(time.Second)
	assert.True(t, l.AllowConnection("192.0.2.1"))
}

func TestLimiterGlobal(t *testing.T) {
	clk := newClock()
	l := NewWithClock(1, 0, 2, clk.now)
	assert.True(t, l.AllowConnection("a"))
	assert.True(t, l.AllowConnection("b"))
	assert.False(t, l.AllowConnection("c"))
	assert.Equal(t, 0, l.Sources(), "per-source limit disabled")
}

func TestLimiterDisabled(t *testing.T) {
	var nilLimiter *Limiter
	assert.False(t, nilLimiter.Enabled())
	assert.True(t, nilLimiter.AllowConnection("x"))
	assert.Equal(t, 0, nilLimiter.CleanupIdle(time.Second))

	l := New(0, 0, 0)
	assert.False(t, l.Enabled())
	for i := 0; i < 100; i++ {
		assert.True(t, l.AllowConnection("x"))
	}
}

func TestLimiterCleanupIdle(t *testing.T) {
	clk := newClock()
	l := NewWithClock(0, 1, 1, clk.now)
	l.AllowConnection("old")
	clk.advance(30 * time.Second)
	l.AllowConnection("fresh")
	clk.advance(40 * time.Second)

	assert.Equal(t, 1, l.CleanupIdle(time.Minute))
	assert.Equal(t, 1, l.Sources())
	assert.Equal(t, 1, l.CleanupIdle(10*time.Second))
	assert.Equal(t, 0, l.Sources())
}

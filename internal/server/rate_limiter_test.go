package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(burst int, interval time.Duration) (*rateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(burst, interval)
	rl.now = clock.Now
	rl.last = clock.now
	return rl, clock
}

func TestRateLimiterBurst(t *testing.T) {
	rl, _ := newTestLimiter(3, time.Second)

	for i := range 3 {
		assert.True(t, rl.allow(), "message %d should be allowed", i+1)
	}
	assert.False(t, rl.allow(), "burst exhausted")
}

func TestRateLimiterRefill(t *testing.T) {
	rl, clock := newTestLimiter(2, time.Second)

	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	clock.Advance(500 * time.Millisecond)
	assert.True(t, rl.allow(), "half the interval refills one token")
	assert.False(t, rl.allow())

	clock.Advance(time.Hour)
	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow(), "refill never exceeds the burst")
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(0, 0)

	assert.InDelta(t, 1.0, rl.capacity, 0.0001)
	assert.InDelta(t, 1.0, rl.perSecond, 0.0001)
}

func TestSessionAllowWithoutLimiter(t *testing.T) {
	s := &Session{}
	assert.True(t, s.allow())
}

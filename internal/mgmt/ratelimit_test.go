package mgmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_Refills(t *testing.T) {
	start := time.Unix(0, 0)
	b := newTokenBucket(2, 2, start)

	assert.True(t, b.allow(start))
	assert.True(t, b.allow(start))
	assert.False(t, b.allow(start))

	assert.True(t, b.allow(start.Add(500*time.Millisecond)))
	assert.False(t, b.allow(start.Add(500*time.Millisecond)))

	// Refill never exceeds the burst.
	later := start.Add(time.Hour)
	assert.True(t, b.allow(later))
	assert.True(t, b.allow(later))
	assert.False(t, b.allow(later))
}

func TestRateLimiter_SweepDropsIdle(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{RPS: 1, Burst: 1})
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	rl.clients["1.2.3.4"] = newTokenBucket(1, 1, now.Add(-time.Hour))
	rl.clients["5.6.7.8"] = newTokenBucket(1, 1, now)

	go rl.sweep(time.Millisecond, time.Minute)
	assert.Eventually(t, func() bool {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		_, idle := rl.clients["1.2.3.4"]
		_, fresh := rl.clients["5.6.7.8"]
		return !idle && fresh
	}, time.Second, 5*time.Millisecond)
	rl.close()
	rl.close()
}

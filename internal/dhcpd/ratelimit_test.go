package dhcpd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := newRateLimiter()
	rule := RateLimitRule{MaxRequests: 3, WindowSeconds: 10, BlockSeconds: 60}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow("client-1", rule, now), "request %d should be allowed", i)
	}

	assert.False(t, rl.allow("client-1", rule, now), "4th request in window should be blocked")

	assert.True(t, rl.allow("client-2", rule, now), "a different identifier has its own window")
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := newRateLimiter()
	rule := RateLimitRule{MaxRequests: 1, WindowSeconds: 10, BlockSeconds: 5}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, rl.allow("client-1", rule, now))
	assert.False(t, rl.allow("client-1", rule, now.Add(1*time.Second)))

	// The block has ended, but the window still holds the request from t=0,
	// so the request is denied again.
	assert.False(t, rl.allow("client-1", rule, now.Add(6*time.Second)))

	// Past both the window and the block.
	assert.True(t, rl.allow("client-1", rule, now.Add(20*time.Second)))
}

func TestRateLimiter_GC(t *testing.T) {
	rl := newRateLimiter()
	rule := RateLimitRule{MaxRequests: 5, WindowSeconds: 10, BlockSeconds: 5}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rl.allow("stale", rule, now)
	assert.Len(t, rl.entries, 1)

	rl.gc(now.Add(time.Hour), time.Minute)
	assert.Len(t, rl.entries, 0)
}

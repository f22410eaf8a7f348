package limit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestClientIP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"127.0.0.1:5000", "127.0.0.1"},
		{"[::1]:80", "::1"},
		{"[::ffff:10.0.0.2]:80", "10.0.0.2"},
		{"10.0.0.3", "10.0.0.3"},
		{"pipe", "pipe"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClientIP(tt.in), tt.in)
	}
}

func TestMemoryRateLimiterBurst(t *testing.T) {
	m := NewMemoryRateLimiter(rate.Every(time.Hour), 3, 0)
	defer m.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, m.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, m.Allow("10.0.0.1"))
	assert.True(t, m.Allow("10.0.0.2"))
	assert.Same(t, m.GetLimiter("10.0.0.1"), m.GetLimiter("10.0.0.1"))
}

func TestMemoryRateLimiterForgetsOldestClient(t *testing.T) {
	m := NewMemoryRateLimiter(rate.Every(time.Hour), 1, 2)
	assert.True(t, m.Allow("a"))
	assert.False(t, m.Allow("a"))
	m.Allow("b")
	m.Allow("c")
	assert.Equal(t, 2, m.Len())

	// "a" was evicted so it starts with a full bucket
	assert.True(t, m.Allow("a"))

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Len())
}

func newRedisLimiter(t *testing.T, limit int, window time.Duration) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedisRateLimiter(context.Background(), mr.Addr(), limit, window, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedisRateLimiterWindow(t *testing.T) {
	r, mr := newRedisLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, r.Allow("10.0.0.1"))
	assert.True(t, r.Allow("10.0.0.2"))

	assert.True(t, mr.Exists(KeyPrefix+"10.0.0.1"))
	members, err := mr.ZMembers(KeyPrefix + "10.0.0.1")
	require.NoError(t, err)
	assert.Len(t, members, 3)

	hits, fallbacks := r.Stats()
	assert.EqualValues(t, 5, hits)
	assert.Zero(t, fallbacks)
}

func TestRedisRateLimiterWindowSlides(t *testing.T) {
	r, _ := newRedisLimiter(t, 2, 100*time.Millisecond)
	assert.True(t, r.Allow("c"))
	assert.True(t, r.Allow("c"))
	assert.False(t, r.Allow("c"))
	time.Sleep(150 * time.Millisecond)
	assert.True(t, r.Allow("c"))
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	r, mr := newRedisLimiter(t, 1, time.Minute)
	assert.True(t, r.Allow("x"))
	assert.False(t, r.Allow("x"))

	mr.Close()
	assert.True(t, r.Allow("x"))
	_, fallbacks := r.Stats()
	assert.EqualValues(t, 1, fallbacks)
}

func TestNewRedisRateLimiterUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedisRateLimiter(context.Background(), addr, 1, time.Second, quiet)
	assert.Error(t, err)
}

func TestLimitersShareInterface(t *testing.T) {
	r, _ := newRedisLimiter(t, 5, time.Minute)
	for _, l := range []RateLimiter{NewMemoryRateLimiter(10, 5, 0), r} {
		t.Run(fmt.Sprintf("%T", l), func(t *testing.T) {
			assert.True(t, l.Allow("shared"))
		})
	}
}

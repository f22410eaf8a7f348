package limit

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultCapacity bounds how many clients the in-memory limiter tracks.
const DefaultCapacity = 4096

// MemoryRateLimiter keeps a token bucket per client IP. Least recently seen
// clients are forgotten once capacity is reached.
type MemoryRateLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	mu       sync.Mutex
	r        rate.Limit // requests per second
	b        int        // burst size
}

// NewMemoryRateLimiter creates a new IP-based rate limiter
// r: requests per second (e.g., 100 = 100 req/s)
// b: burst size (e.g., 10 = allow 10 requests immediately)
// capacity: clients tracked; <= 0 uses DefaultCapacity
func NewMemoryRateLimiter(r rate.Limit, b, capacity int) *MemoryRateLimiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// only fails for a non-positive size
	cache, _ := lru.New[string, *rate.Limiter](capacity)
	return &MemoryRateLimiter{
		limiters: cache,
		r:        r,
		b:        b,
	}
}

// GetLimiter returns the rate limiter for the given IP
func (m *MemoryRateLimiter) GetLimiter(ip string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	limiter, ok := m.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(m.r, m.b)
		m.limiters.Add(ip, limiter)
	}
	return limiter
}

func (m *MemoryRateLimiter) Allow(ip string) bool {
	return m.GetLimiter(ip).Allow()
}

// Len returns the number of tracked clients.
func (m *MemoryRateLimiter) Len() int {
	return m.limiters.Len()
}

func (m *MemoryRateLimiter) Close() error {
	m.limiters.Purge()
	return nil
}

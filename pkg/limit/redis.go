package limit

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed redis_script.lua
var script string

// KeyPrefix namespaces the per-client sorted sets.
const KeyPrefix = "adproxy:ratelimit:"

// RedisRateLimiter enforces a sliding window shared by every proxy instance
// using the same Redis.
type RedisRateLimiter struct {
	client *redis.Client
	script *redis.Script
	limit  int64
	window time.Duration
	log    *slog.Logger

	mu        sync.RWMutex
	scriptSHA string
	seq       atomic.Uint64

	// Performance tracking
	evalShaHits   atomic.Uint64
	evalFallbacks atomic.Uint64
}

// NewRedisRateLimiter connects to addr and preloads the window script.
func NewRedisRateLimiter(ctx context.Context, addr string, limit int, window time.Duration, log *slog.Logger) (*RedisRateLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	r := &RedisRateLimiter{
		client: client,
		script: redis.NewScript(script),
		limit:  int64(limit),
		window: window,
		log:    log,
	}

	// EVAL still works without the cached SHA
	if err := r.preloadScript(ctx); err != nil {
		log.Warn("could not preload rate limit script", "error", err)
	}
	return r, nil
}

func (r *RedisRateLimiter) preloadScript(ctx context.Context) error {
	sha, err := r.script.Load(ctx, r.client).Result()
	if err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}
	r.mu.Lock()
	r.scriptSHA = sha
	r.mu.Unlock()
	r.log.Debug("rate limit script loaded", "sha", sha)
	return nil
}

func (r *RedisRateLimiter) sha() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scriptSHA
}

// Allow records a request from ip and reports whether it is within the
// window. Redis failures fail open.
func (r *RedisRateLimiter) Allow(ip string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := KeyPrefix + ip
	args := []any{r.limit, r.window.Milliseconds(), time.Now().UnixMilli(), r.seq.Add(1)}

	if sha := r.sha(); sha != "" {
		result, err := r.evalSHA(ctx, sha, key, args)
		if err == nil {
			r.evalShaHits.Add(1)
			return result == 1
		}

		if isNoScriptErr(err) {
			r.log.Debug("rate limit script not cached, reloading")
			if r.preloadScript(ctx) == nil {
				if result, err := r.evalSHA(ctx, r.sha(), key, args); err == nil {
					return result == 1
				}
			}
		}
		r.evalFallbacks.Add(1)
	}

	result, err := r.script.Run(ctx, r.client, []string{key}, args...).Int64()
	if err != nil {
		r.log.Error("redis rate limit check failed", "error", err)
		return true
	}
	return result == 1
}

func (r *RedisRateLimiter) evalSHA(ctx context.Context, sha, key string, args []any) (int64, error) {
	return r.client.EvalSha(ctx, sha, []string{key}, args...).Int64()
}

func isNoScriptErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// Stats returns how often the cached script was used and how often the
// limiter fell back to sending the full script.
func (r *RedisRateLimiter) Stats() (shaHits, fallbacks uint64) {
	return r.evalShaHits.Load(), r.evalFallbacks.Load()
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}

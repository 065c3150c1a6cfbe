package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/ade-run/ade/internal/apierr"
	"github.com/ade-run/ade/internal/logging"
)

// RateLimiter enforces a fixed-window request cap per principal/IP,
// shared across apiserver replicas via Redis when available, and falling
// back to an in-process token bucket per key when Redis is unreachable.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter allowing limit requests per window
// per key. client may be nil, in which case the limiter runs entirely on
// the local token-bucket fallback.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:   client,
		limit:    limit,
		window:   window,
		fallback: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether key may proceed, incrementing its window counter.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if rl.client == nil {
		return rl.allowLocal(key), nil
	}

	redisKey := fmt.Sprintf("ade:ratelimit:%s:%d", key, time.Now().UTC().Unix()/int64(rl.window.Seconds()))
	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		// Redis unreachable: degrade to the local fallback rather than
		// failing the request outright.
		return rl.allowLocal(key), nil
	}
	if count == 1 {
		rl.client.Expire(ctx, redisKey, rl.window)
	}
	return count <= int64(rl.limit), nil
}

func (rl *RateLimiter) allowLocal(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.fallback[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.limit)), rl.limit)
		rl.fallback[key] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// Middleware rate-limits by the authenticated principal's identity when
// one is already in the request context, else by remote address. Router
// mounts it ahead of authentication, so there it keys by remote address.
func (rl *RateLimiter) Middleware(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			ok, err := rl.Allow(r.Context(), key)
			if err != nil {
				writeProblem(w, r, log, apierr.Internal("rate limit check failed", err))
				return
			}
			if !ok {
				writeProblem(w, r, log, apierr.New("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if p := authnPrincipalKey(r); p != "" {
		return p
	}
	return r.RemoteAddr
}

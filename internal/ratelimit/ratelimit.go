// Package ratelimit provides a Redis-backed sliding-window limiter shared
// across all service instances, plus HTTP middleware around it.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chapterforge/internal/config"
	"chapterforge/internal/logging"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per identifier in a rolling window backed by a
// Redis sorted set, so the limit holds across replicas.
type Limiter struct {
	rdb *redis.Client
	cfg config.RateLimitConfig
	log *zap.Logger

	now func() time.Time
}

// New creates a limiter over the given Redis client.
func New(rdb *redis.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		rdb: rdb,
		cfg: cfg,
		log: logging.Get(logging.CategoryStream),
		now: time.Now,
	}
}

// allowScript trims expired entries, counts the window, and admits the
// request atomically. Returns {allowed, count, oldest_score}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, oldest[2] or '0'}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1, '0'}
`)

// Allow checks and consumes one request slot for the identifier. Store
// errors fail open so a Redis outage never blocks traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string) Decision {
	key := "ratelimit:" + identifier
	now := l.now().UnixMilli()
	windowMs := l.cfg.Window.Milliseconds()

	res, err := allowScript.Run(ctx, l.rdb, []string{key},
		now, windowMs, l.cfg.RequestsPerWindow, uuid.NewString()).Slice()
	if err != nil {
		l.log.Warn("rate limit store error, failing open", zap.Error(err))
		return Decision{Allowed: true, Remaining: l.cfg.RequestsPerWindow}
	}

	allowed := res[0].(int64) == 1
	count := int(res[1].(int64))
	d := Decision{Allowed: allowed, Remaining: l.cfg.RequestsPerWindow - count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !allowed {
		var oldest int64
		fmt.Sscanf(res[2].(string), "%d", &oldest)
		d.RetryAfter = time.Duration(oldest+windowMs-now) * time.Millisecond
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

// Identify picks the most specific caller identity available: the
// authenticated user, then the API key, then the client IP.
func Identify(r *http.Request) string {
	if user, ok := r.Context().Value(userKey{}).(string); ok && user != "" {
		return "user:" + user
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

type userKey struct{}

// WithUser tags the request context with an authenticated user ID so the
// limiter can bucket by user instead of IP.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// Middleware enforces the limit on every non-exempt path, answering 429
// with a Retry-After header when the window is full.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	exempt := make(map[string]bool, len(l.cfg.ExemptPaths))
	for _, p := range l.cfg.ExemptPaths {
		exempt[p] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		d := l.Allow(r.Context(), Identify(r))
		w.Header().Set("X-RateLimit-Limit", fmt.Sprint(l.cfg.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(d.Remaining))
		if !d.Allowed {
			secs := int(d.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", fmt.Sprint(secs))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

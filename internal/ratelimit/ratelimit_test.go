package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterforge/internal/config"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := New(rdb, config.RateLimitConfig{
		RequestsPerWindow: limit,
		Window:            window,
		ExemptPaths:       []string{"/healthz"},
	})
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l.now = c.now
	return l, c
}

func TestLimiterAllowsUnderLimit(t *testing.T) {
	l, _ := testLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "user:alice")
		assert.True(t, d.Allowed, "request %d", i)
	}
	d := l.Allow(ctx, "user:alice")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestLimiterWindowSlides(t *testing.T) {
	l, c := testLimiter(t, 2, time.Minute)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "ip:1.2.3.4").Allowed)
	require.True(t, l.Allow(ctx, "ip:1.2.3.4").Allowed)
	require.False(t, l.Allow(ctx, "ip:1.2.3.4").Allowed)

	c.advance(61 * time.Second)
	assert.True(t, l.Allow(ctx, "ip:1.2.3.4").Allowed)
}

func TestLimiterIsolatesIdentifiers(t *testing.T) {
	l, _ := testLimiter(t, 1, time.Minute)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "user:alice").Allowed)
	require.False(t, l.Allow(ctx, "user:alice").Allowed)
	assert.True(t, l.Allow(ctx, "user:bob").Allowed)
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb, config.DefaultRateLimit())
	mr.Close()

	d := l.Allow(context.Background(), "user:alice")
	assert.True(t, d.Allowed)
}

func TestIdentifyPriority(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/chapters", nil)
	r.RemoteAddr = "10.0.0.9:51000"
	assert.Equal(t, "ip:10.0.0.9", Identify(r))

	r.Header.Set("X-API-Key", "k-123")
	assert.Equal(t, "key:k-123", Identify(r))

	r = r.WithContext(WithUser(r.Context(), "alice"))
	assert.Equal(t, "user:alice", Identify(r))
}

func TestMiddlewareExemptAndLimit(t *testing.T) {
	l, _ := testLimiter(t, 1, time.Minute)
	var hits int
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.RemoteAddr = "10.0.0.9:51000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, do("/chapters").Code)
	limited := do("/chapters")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	// Health checks bypass the limiter entirely.
	assert.Equal(t, http.StatusOK, do("/healthz").Code)
	assert.Equal(t, 2, hits)
}

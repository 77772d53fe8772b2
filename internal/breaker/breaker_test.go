package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chapterforge/internal/config"
)

func newTestBreaker(t *testing.T) (*Breaker, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b := New(rdb, config.DefaultBreaker())
	b.now = clk.Now
	return b, clk
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.RecordFailure(ctx, "anthropic")
		require.True(t, b.IsCallAllowed(ctx, "anthropic"), "still closed at %d failures", i+1)
	}

	b.RecordFailure(ctx, "anthropic")
	require.False(t, b.IsCallAllowed(ctx, "anthropic"))

	stats, err := b.GetStats(ctx, "anthropic")
	require.NoError(t, err)
	require.Equal(t, StateOpen, stats.State)
	require.False(t, stats.IsAvailable)
}

func TestBreakerFailuresOutsideWindowDoNotCount(t *testing.T) {
	b, clk := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.RecordFailure(ctx, "openai")
	}
	clk.Advance(61 * time.Second)

	// The four old failures have aged out of the rolling window.
	b.RecordFailure(ctx, "openai")
	require.True(t, b.IsCallAllowed(ctx, "openai"))

	stats, err := b.GetStats(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, StateClosed, stats.State)
	require.EqualValues(t, 1, stats.FailuresInWindow)
}

func TestBreakerHalfOpenAndRecovery(t *testing.T) {
	b, clk := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, "gemini")
	}
	require.False(t, b.IsCallAllowed(ctx, "gemini"))

	clk.Advance(60 * time.Second)

	// Availability check performs the Open -> Half-Open transition.
	require.True(t, b.IsCallAllowed(ctx, "gemini"))
	stats, err := b.GetStats(ctx, "gemini")
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, stats.State)

	// Two probe successes close the breaker.
	b.RecordSuccess(ctx, "gemini")
	b.RecordSuccess(ctx, "gemini")
	stats, err = b.GetStats(ctx, "gemini")
	require.NoError(t, err)
	require.Equal(t, StateClosed, stats.State)
	require.EqualValues(t, 0, stats.FailuresInWindow)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, "gemini")
	}
	clk.Advance(60 * time.Second)
	require.True(t, b.IsCallAllowed(ctx, "gemini"))

	b.RecordFailure(ctx, "gemini")

	stats, err := b.GetStats(ctx, "gemini")
	require.NoError(t, err)
	require.Equal(t, StateOpen, stats.State)

	// The reopen sets a fresh opened-at; recovery starts over.
	clk.Advance(30 * time.Second)
	require.False(t, b.IsCallAllowed(ctx, "gemini"))
	clk.Advance(30 * time.Second)
	require.True(t, b.IsCallAllowed(ctx, "gemini"))
}

func TestBreakerGetStatsTriggersTransition(t *testing.T) {
	b, clk := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, "anthropic")
	}
	clk.Advance(61 * time.Second)

	// GetStats alone, without IsCallAllowed, must observe Half-Open.
	stats, err := b.GetStats(ctx, "anthropic")
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, stats.State)
}

func TestBreakerForceOpenAndReset(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, b.ForceOpen(ctx, "anthropic"))
	require.False(t, b.IsCallAllowed(ctx, "anthropic"))

	require.NoError(t, b.Reset(ctx, "anthropic"))
	require.True(t, b.IsCallAllowed(ctx, "anthropic"))

	stats, err := b.GetStats(ctx, "anthropic")
	require.NoError(t, err)
	require.Equal(t, StateClosed, stats.State)
}

func TestBreakerListAll(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	b.RecordFailure(ctx, "anthropic")
	b.RecordSuccess(ctx, "openai")
	require.True(t, b.IsCallAllowed(ctx, "gemini"))

	all, err := b.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	states := map[string]State{}
	for _, s := range all {
		states[s.Key] = s.State
	}
	require.Equal(t, StateClosed, states["anthropic"])
	require.Equal(t, StateClosed, states["openai"])
	require.Equal(t, StateClosed, states["gemini"])
}

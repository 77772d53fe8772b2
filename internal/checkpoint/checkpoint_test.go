package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCheckpointMarkAndSkip(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	cp := For(rdb, "task-1", 7*24*time.Hour)

	done, err := cp.IsStepComplete(ctx, "research_internal")
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, cp.MarkStepComplete(ctx, "research_internal", map[string]any{
		"cost":     0.12,
		"provider": "anthropic",
	}))

	done, err = cp.IsStepComplete(ctx, "research_internal")
	require.NoError(t, err)
	require.True(t, done)

	meta, err := cp.GetStepMetadata(ctx, "research_internal")
	require.NoError(t, err)
	require.Equal(t, "anthropic", meta["provider"])
	require.InDelta(t, 0.12, meta["cost"], 1e-9)
	require.NotEmpty(t, meta["completed_at"])
}

func TestCheckpointSurvivesNewServiceInstance(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	For(rdb, "task-2", time.Hour).MarkStepComplete(ctx, "section_0", nil)

	// A fresh instance for the same task id (restart) sees the record.
	cp := For(rdb, "task-2", time.Hour)
	done, err := cp.IsStepComplete(ctx, "section_0")
	require.NoError(t, err)
	require.True(t, done)
}

func TestCheckpointProgressAndClear(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	cp := For(rdb, "task-3", time.Hour)
	require.NoError(t, cp.MarkStepComplete(ctx, "a", nil))
	require.NoError(t, cp.MarkStepComplete(ctx, "b", nil))

	p, err := cp.GetProgress(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, 2, p.Completed)
	require.Equal(t, 4, p.Total)
	require.InDelta(t, 50.0, p.Percentage, 1e-9)

	require.NoError(t, cp.Clear(ctx))
	p, err = cp.GetProgress(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 0, p.Completed)
}

func TestCheckpointTTLExpiry(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	cp := For(rdb, "task-4", time.Minute)
	require.NoError(t, cp.MarkStepComplete(ctx, "a", nil))

	mr.FastForward(2 * time.Minute)

	done, err := cp.IsStepComplete(ctx, "a")
	require.NoError(t, err)
	require.False(t, done)
}

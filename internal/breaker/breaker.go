// Package breaker implements a per-provider circuit breaker backed by a
// shared Redis store, so breaker state survives process restarts and is
// consistent across workers. All transitions run as Lua scripts server-side;
// concurrent writers therefore observe a single serialized sequence of
// success/failure events, and the final state is a pure function of that
// sequence and the configured thresholds.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chapterforge/internal/config"
	"chapterforge/internal/logging"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Key               string    `json:"key"`
	State             State     `json:"state"`
	FailuresInWindow  int64     `json:"failures_in_window"`
	HalfOpenSuccesses int64     `json:"half_open_successes"`
	OpenedAt          time.Time `json:"opened_at,omitempty"`
	IsAvailable       bool      `json:"is_available"`
}

// Breaker gates calls to every provider from a shared Redis store.
type Breaker struct {
	rdb *redis.Client
	cfg config.BreakerConfig
	log *zap.Logger

	now func() time.Time
}

// New creates a breaker over the given Redis client.
func New(rdb *redis.Client, cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		rdb: rdb,
		cfg: cfg,
		log: logging.Get(logging.CategoryBreaker),
		now: time.Now,
	}
}

const registryKey = "breaker:keys"

func hashKey(key string) string     { return "breaker:" + key }
func failuresKey(key string) string { return "breaker:" + key + ":failures" }

// checkAllowed performs the Open -> Half-Open transition when the recovery
// timeout has elapsed, then returns the (possibly fresh) state. Any read of
// breaker state goes through this script so observed state always reflects
// a just-performed transition.
var checkAllowedScript = redis.NewScript(`
local h = KEYS[1]
local now = tonumber(ARGV[1])
local recovery = tonumber(ARGV[2])
local state = redis.call('HGET', h, 'state')
if not state then state = 'closed' end
if state == 'open' then
  local opened = tonumber(redis.call('HGET', h, 'opened_at') or '0')
  if now - opened >= recovery then
    redis.call('HSET', h, 'state', 'half_open', 'half_open_success', 0)
    return 'half_open'
  end
end
return state
`)

// recordFailureScript appends one failure to the rolling window and applies
// Closed -> Open and Half-Open -> Open transitions.
var recordFailureScript = redis.NewScript(`
local h = KEYS[1]
local fz = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local member = ARGV[4]
local state = redis.call('HGET', h, 'state')
if not state then state = 'closed' end
if state == 'half_open' then
  redis.call('HSET', h, 'state', 'open', 'opened_at', now, 'half_open_success', 0)
  return 'open'
end
if state == 'open' then
  return 'open'
end
redis.call('ZADD', fz, now, member)
redis.call('ZREMRANGEBYSCORE', fz, 0, now - window)
if redis.call('ZCARD', fz) >= threshold then
  redis.call('HSET', h, 'state', 'open', 'opened_at', now, 'half_open_success', 0)
  return 'open'
end
return 'closed'
`)

// recordSuccessScript counts half-open probes and closes the breaker when
// enough probes succeed.
var recordSuccessScript = redis.NewScript(`
local h = KEYS[1]
local fz = KEYS[2]
local threshold = tonumber(ARGV[1])
local state = redis.call('HGET', h, 'state')
if not state then state = 'closed' end
if state == 'half_open' then
  local n = redis.call('HINCRBY', h, 'half_open_success', 1)
  if n >= threshold then
    redis.call('HSET', h, 'state', 'closed', 'half_open_success', 0)
    redis.call('HDEL', h, 'opened_at')
    redis.call('DEL', fz)
    return 'closed'
  end
  return 'half_open'
end
return state
`)

func (b *Breaker) register(ctx context.Context, key string) {
	if err := b.rdb.SAdd(ctx, registryKey, key).Err(); err != nil {
		b.log.Warn("breaker registry update failed", zap.String("key", key), zap.Error(err))
	}
}

// IsCallAllowed reports whether a call to the keyed provider may proceed.
// Open breakers reject; Closed and Half-Open allow. A shared-store failure
// fails open: availability gating must not take providers down by itself.
func (b *Breaker) IsCallAllowed(ctx context.Context, key string) bool {
	b.register(ctx, key)
	state, err := b.checkState(ctx, key)
	if err != nil {
		b.log.Warn("breaker state check failed, allowing call", zap.String("key", key), zap.Error(err))
		return true
	}
	return state != StateOpen
}

func (b *Breaker) checkState(ctx context.Context, key string) (State, error) {
	res, err := checkAllowedScript.Run(ctx, b.rdb,
		[]string{hashKey(key)},
		b.now().UnixMilli(), b.cfg.RecoveryTimeout.Milliseconds(),
	).Text()
	if err != nil {
		return StateClosed, fmt.Errorf("breaker check %s: %w", key, err)
	}
	return State(res), nil
}

// RecordSuccess reports a successful provider call.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) {
	b.register(ctx, key)
	prev, _ := b.currentStateRaw(ctx, key)
	res, err := recordSuccessScript.Run(ctx, b.rdb,
		[]string{hashKey(key), failuresKey(key)},
		b.cfg.HalfOpenSuccesses,
	).Text()
	if err != nil {
		b.log.Warn("breaker success record failed", zap.String("key", key), zap.Error(err))
		return
	}
	if State(res) == StateClosed && prev == StateHalfOpen {
		b.log.Info("breaker closed after successful probes", zap.String("key", key))
	}
}

// RecordFailure reports a failed provider call.
func (b *Breaker) RecordFailure(ctx context.Context, key string) {
	b.register(ctx, key)
	prev, _ := b.currentStateRaw(ctx, key)
	res, err := recordFailureScript.Run(ctx, b.rdb,
		[]string{hashKey(key), failuresKey(key)},
		b.now().UnixMilli(), b.cfg.FailureWindow.Milliseconds(),
		b.cfg.FailureThreshold, uuid.NewString(),
	).Text()
	if err != nil {
		b.log.Warn("breaker failure record failed", zap.String("key", key), zap.Error(err))
		return
	}
	if State(res) == StateOpen && prev != StateOpen {
		b.log.Warn("breaker opened", zap.String("key", key))
	}
}

func (b *Breaker) currentStateRaw(ctx context.Context, key string) (State, error) {
	s, err := b.rdb.HGet(ctx, hashKey(key), "state").Result()
	if err == redis.Nil {
		return StateClosed, nil
	}
	if err != nil {
		return StateClosed, err
	}
	return State(s), nil
}

// GetStats returns the keyed breaker's stats. The availability check runs
// first, so the returned state reflects any just-performed Open ->
// Half-Open transition rather than a stale snapshot.
func (b *Breaker) GetStats(ctx context.Context, key string) (Stats, error) {
	state, err := b.checkState(ctx, key)
	if err != nil {
		return Stats{}, err
	}

	now := b.now()
	windowStart := now.Add(-b.cfg.FailureWindow).UnixMilli()
	failures, err := b.rdb.ZCount(ctx, failuresKey(key),
		fmt.Sprintf("%d", windowStart), "+inf").Result()
	if err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("breaker stats %s: %w", key, err)
	}

	fields, err := b.rdb.HGetAll(ctx, hashKey(key)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("breaker stats %s: %w", key, err)
	}

	stats := Stats{
		Key:              key,
		State:            state,
		FailuresInWindow: failures,
		IsAvailable:      state != StateOpen,
	}
	if v, ok := fields["half_open_success"]; ok {
		fmt.Sscanf(v, "%d", &stats.HalfOpenSuccesses)
	}
	if v, ok := fields["opened_at"]; ok {
		var ms int64
		fmt.Sscanf(v, "%d", &ms)
		stats.OpenedAt = time.UnixMilli(ms)
	}
	return stats, nil
}

// ForceOpen opens the breaker regardless of failure history.
func (b *Breaker) ForceOpen(ctx context.Context, key string) error {
	b.register(ctx, key)
	err := b.rdb.HSet(ctx, hashKey(key),
		"state", string(StateOpen),
		"opened_at", b.now().UnixMilli(),
		"half_open_success", 0,
	).Err()
	if err != nil {
		return fmt.Errorf("breaker force-open %s: %w", key, err)
	}
	b.log.Warn("breaker force-opened", zap.String("key", key))
	return nil
}

// Reset returns the breaker to Closed and drops all failure history.
func (b *Breaker) Reset(ctx context.Context, key string) error {
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, failuresKey(key))
	pipe.HSet(ctx, hashKey(key), "state", string(StateClosed), "half_open_success", 0)
	pipe.HDel(ctx, hashKey(key), "opened_at")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("breaker reset %s: %w", key, err)
	}
	return nil
}

// ListAll returns stats for every breaker key ever seen.
func (b *Breaker) ListAll(ctx context.Context) ([]Stats, error) {
	keys, err := b.rdb.SMembers(ctx, registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("breaker list: %w", err)
	}
	out := make([]Stats, 0, len(keys))
	for _, key := range keys {
		stats, err := b.GetStats(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

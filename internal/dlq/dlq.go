// Package dlq implements the dead-letter queue: a chronologically ordered
// archive of terminally failed background tasks, kept in a Redis sorted set
// (timestamp as score) with a per-entry hash for the details. Entries are
// searchable and can be re-enqueued onto their original queue.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chapterforge/internal/logging"
)

// Entry is one archived terminal failure.
type Entry struct {
	TaskName   string            `json:"task_name"`
	TaskID     string            `json:"task_id"`
	Queue      string            `json:"queue"`
	ErrorKind  string            `json:"error_kind"`
	ErrorMsg   string            `json:"error_message"`
	Stacktrace string            `json:"stacktrace,omitempty"`
	RetryCount int               `json:"retry_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	FailedAt   time.Time         `json:"failed_at"`
}

// Filters narrows List results. Zero values match everything.
type Filters struct {
	TaskType  string
	ErrorKind string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Statistics summarizes the queue contents.
type Statistics struct {
	Total    int64            `json:"total"`
	ByTask   map[string]int64 `json:"by_task"`
	ByKind   map[string]int64 `json:"by_kind"`
	OldestAt time.Time        `json:"oldest_at,omitempty"`
	NewestAt time.Time        `json:"newest_at,omitempty"`
}

// Enqueuer re-submits a task to its original queue. Implemented by the
// worker runtime.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, taskName, taskID string, payload map[string]string) error
}

const (
	indexKey = "dlq:index"
	entryKey = "dlq:entry:"
)

// Queue is the Redis-backed dead-letter queue.
type Queue struct {
	rdb *redis.Client
	log *zap.Logger
}

// New creates the queue.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, log: logging.Get(logging.CategoryWorker)}
}

// Add archives a terminal failure. Exactly one entry exists per task id;
// re-adding the same id overwrites the previous record.
func (q *Queue) Add(ctx context.Context, e Entry) error {
	if e.FailedAt.IsZero() {
		e.FailedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dlq encode: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(e.FailedAt.UnixMilli()), Member: e.TaskID})
	pipe.Set(ctx, entryKey+e.TaskID, data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq add %s: %w", e.TaskID, err)
	}

	q.log.Warn("task dead-lettered",
		zap.String("task", e.TaskName),
		zap.String("task_id", e.TaskID),
		zap.String("kind", e.ErrorKind),
		zap.Int("retries", e.RetryCount))
	return nil
}

// Get loads one entry by task id. Returns nil when absent.
func (q *Queue) Get(ctx context.Context, taskID string) (*Entry, error) {
	data, err := q.rdb.Get(ctx, entryKey+taskID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dlq get %s: %w", taskID, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("dlq decode %s: %w", taskID, err)
	}
	return &e, nil
}

// List returns entries newest-first, applying filters after the
// chronological scan so date-range narrowing uses the sorted-set index.
func (q *Queue) List(ctx context.Context, f Filters) ([]Entry, error) {
	min, max := "-inf", "+inf"
	if !f.Since.IsZero() {
		min = fmt.Sprintf("%d", f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		max = fmt.Sprintf("%d", f.Until.UnixMilli())
	}

	ids, err := q.rdb.ZRevRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq list: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []Entry
	skipped := 0
	for _, id := range ids {
		e, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		if f.TaskType != "" && e.TaskName != f.TaskType {
			continue
		}
		if f.ErrorKind != "" && e.ErrorKind != f.ErrorKind {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, *e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Retry re-enqueues the task onto its original queue and removes the entry.
func (q *Queue) Retry(ctx context.Context, taskID string, enq Enqueuer) error {
	e, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("dlq retry: no entry for task %s", taskID)
	}
	if err := enq.Enqueue(ctx, e.Queue, e.TaskName, e.TaskID, e.Metadata); err != nil {
		return fmt.Errorf("dlq retry enqueue %s: %w", taskID, err)
	}
	return q.Remove(ctx, taskID)
}

// Remove deletes one entry.
func (q *Queue) Remove(ctx context.Context, taskID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, indexKey, taskID)
	pipe.Del(ctx, entryKey+taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq remove %s: %w", taskID, err)
	}
	return nil
}

// Stats aggregates counts per task name and error kind.
func (q *Queue) Stats(ctx context.Context) (Statistics, error) {
	entries, err := q.List(ctx, Filters{Limit: 10000})
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{
		Total:  int64(len(entries)),
		ByTask: map[string]int64{},
		ByKind: map[string]int64{},
	}
	for _, e := range entries {
		stats.ByTask[e.TaskName]++
		stats.ByKind[e.ErrorKind]++
		if stats.OldestAt.IsZero() || e.FailedAt.Before(stats.OldestAt) {
			stats.OldestAt = e.FailedAt
		}
		if e.FailedAt.After(stats.NewestAt) {
			stats.NewestAt = e.FailedAt
		}
	}
	return stats, nil
}

// Cleanup removes entries older than the retention horizon and returns the
// number removed. Run periodically by the worker runtime.
func (q *Queue) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq cleanup scan: %w", err)
	}
	for _, id := range ids {
		if err := q.Remove(ctx, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

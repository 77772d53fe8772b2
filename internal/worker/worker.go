// Package worker runs queued background tasks. Queues are plain Redis
// lists segregated by workload class; each task execution is wrapped in
// a checkpoint context, a bounded retry policy, and dead-letter capture
// on terminal failure.
package worker

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chapterforge/internal/checkpoint"
	"chapterforge/internal/config"
	"chapterforge/internal/dlq"
	"chapterforge/internal/llmerr"
	"chapterforge/internal/logging"
)

// Workload classes.
const (
	QueueDefault    = "default"
	QueueEmbeddings = "embeddings"
	QueueImages     = "images"
)

// Queues is the set of consumed queue names.
var Queues = []string{QueueDefault, QueueEmbeddings, QueueImages}

// Task is one named unit of background work. The payload carries
// identifiers, never content.
type Task struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Queue      string            `json:"queue"`
	Payload    map[string]string `json:"payload,omitempty"`
	Attempt    int               `json:"attempt"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Handler executes one task. The checkpoint service is scoped to the
// task id so handlers can skip steps already completed by an earlier
// attempt.
type Handler func(ctx context.Context, task Task, ck *checkpoint.Service) error

// Runtime consumes the workload queues.
type Runtime struct {
	rdb   *redis.Client
	dlq   *dlq.Queue
	cfg   config.WorkerConfig
	ckTTL time.Duration
	log   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a worker runtime. Handlers are registered before Start.
func New(rdb *redis.Client, dq *dlq.Queue, cfg config.WorkerConfig, ckTTL time.Duration) *Runtime {
	return &Runtime{
		rdb:      rdb,
		dlq:      dq,
		cfg:      cfg,
		ckTTL:    ckTTL,
		log:      logging.Get(logging.CategoryWorker),
		handlers: map[string]Handler{},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Register binds a task name to its handler.
func (r *Runtime) Register(taskName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskName] = h
}

func (r *Runtime) handler(taskName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskName]
	return h, ok
}

func queueKey(queue string) string { return "queue:" + queue }

// Enqueue appends a task to a queue. Also satisfies dlq.Enqueuer so
// dead-lettered tasks can be retried onto their original queue.
func (r *Runtime) Enqueue(ctx context.Context, queue, taskName, taskID string, payload map[string]string) error {
	data, err := json.Marshal(Task{
		ID:         taskID,
		Name:       taskName,
		Queue:      queue,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to encode task %s", taskID)
	}
	if err := r.rdb.LPush(ctx, queueKey(queue), data).Err(); err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to enqueue task %s on %s", taskID, queue)
	}
	return nil
}

// Depth reports the backlog of one queue.
func (r *Runtime) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := r.rdb.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, llmerr.Wrap(llmerr.KindStore, err, "failed to read depth of %s", queue)
	}
	return n, nil
}

// Saturated reports whether total backlog exceeds the high watermark.
// New generation submissions are rejected with a retryable status while
// saturated. Errors fail open: an unreachable broker should not also
// reject intake.
func (r *Runtime) Saturated(ctx context.Context) bool {
	var total int64
	for _, q := range Queues {
		n, err := r.Depth(ctx, q)
		if err != nil {
			r.log.Warn("queue depth check failed", zap.String("queue", q), zap.Error(err))
			return false
		}
		total += n
	}
	return total > r.cfg.HighWatermark
}

// Start launches the configured number of consumers per queue.
func (r *Runtime) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, q := range Queues {
		for i := 0; i < r.cfg.Concurrency; i++ {
			r.wg.Add(1)
			go func(queue string) {
				defer r.wg.Done()
				r.consume(ctx, queue)
			}(q)
		}
	}
	r.log.Info("worker runtime started",
		zap.Int("concurrency", r.cfg.Concurrency), zap.Strings("queues", Queues))
}

// Stop drains consumers. In-flight tasks interrupted by shutdown are
// re-enqueued, not dead-lettered.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runtime) consume(ctx context.Context, queue string) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := r.rdb.BRPop(ctx, time.Second, queueKey(queue)).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			r.log.Warn("queue pop failed", zap.String("queue", queue), zap.Error(err))
			if serr := r.sleep(ctx, time.Second); serr != nil {
				return
			}
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			r.log.Error("dropping undecodable task",
				zap.String("queue", queue), zap.Error(err))
			continue
		}
		task.Queue = queue
		r.process(ctx, task)
	}
}

// process runs one task to success, terminal failure, or interruption.
func (r *Runtime) process(ctx context.Context, task Task) {
	h, ok := r.handler(task.Name)
	if !ok {
		r.deadLetter(ctx, task, 0,
			llmerr.New(llmerr.KindInvalidInput, "no handler registered for task %s", task.Name))
		return
	}

	ck := checkpoint.For(r.rdb, task.Name+":"+task.ID, r.ckTTL)
	backoff := time.Second
	var err error
	attempts := 0
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		err = h(ctx, task, ck)
		if err == nil {
			if cerr := ck.Clear(ctx); cerr != nil {
				r.log.Warn("failed to clear task checkpoints",
					zap.String("task", task.ID), zap.Error(cerr))
			}
			r.log.Info("task completed",
				zap.String("task", task.ID), zap.String("name", task.Name),
				zap.Int("attempt", attempt))
			return
		}
		if ctx.Err() != nil {
			r.requeue(task)
			return
		}
		if !llmerr.Retryable(err) {
			break
		}
		r.log.Warn("task attempt failed, retrying",
			zap.String("task", task.ID), zap.String("name", task.Name),
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt == r.cfg.MaxAttempts {
			break
		}
		if serr := r.sleep(ctx, backoff); serr != nil {
			r.requeue(task)
			return
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	r.deadLetter(ctx, task, attempts, err)
}

// requeue puts an interrupted task back so a later consumer finishes it.
// Its checkpoints survive, so completed steps are not repeated.
func (r *Runtime) requeue(task Task) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 5*time.Second)
	defer cancel()
	if err := r.Enqueue(ctx, task.Queue, task.Name, task.ID, task.Payload); err != nil {
		r.log.Error("failed to requeue interrupted task",
			zap.String("task", task.ID), zap.Error(err))
	}
}

func (r *Runtime) deadLetter(ctx context.Context, task Task, retries int, cause error) {
	kind, _ := llmerr.KindOf(cause)
	if !llmerr.DeadLetter(cause) {
		r.log.Warn("task failed without dead-letter capture",
			zap.String("task", task.ID), zap.String("kind", string(kind)), zap.Error(cause))
		return
	}
	entry := dlq.Entry{
		TaskName:   task.Name,
		TaskID:     task.ID,
		Queue:      task.Queue,
		ErrorKind:  string(kind),
		ErrorMsg:   cause.Error(),
		RetryCount: retries,
		Metadata:   task.Payload,
		Stacktrace: string(debug.Stack()),
		FailedAt:   time.Now().UTC(),
	}
	saveCtx := context.WithoutCancel(ctx)
	if err := r.dlq.Add(saveCtx, entry); err != nil {
		r.log.Error("failed to dead-letter task",
			zap.String("task", task.ID), zap.Error(err))
		return
	}
	r.log.Warn("task dead-lettered",
		zap.String("task", task.ID), zap.String("name", task.Name),
		zap.String("kind", string(kind)), zap.Error(cause))
}

// Package orchestrator drives a chapter through the fourteen-stage
// generation pipeline. Stages run in canonical order with per-stage
// retry, checkpointing, and progress events; a crash resumes at the
// first incomplete stage.
package orchestrator

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chapterforge/internal/chapter"
	"chapterforge/internal/checkpoint"
	"chapterforge/internal/config"
	"chapterforge/internal/dlq"
	"chapterforge/internal/llmerr"
	"chapterforge/internal/logging"
	"chapterforge/internal/provider"
	"chapterforge/internal/store"
	"chapterforge/internal/stream"
)

// Topic length bounds for StartRequest validation.
const (
	minTopicLen = 3
	maxTopicLen = 500
)

// InternalSearcher retrieves sources from the ingested corpus.
type InternalSearcher interface {
	Search(ctx context.Context, queries []string) ([]chapter.SourceRef, error)
}

// ExternalSearcher retrieves sources from the external publication index.
type ExternalSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]chapter.SourceRef, error)
}

// RelevanceScorer filters candidate sources against the topic.
type RelevanceScorer interface {
	Filter(ctx context.Context, topic string, sources []chapter.SourceRef) ([]chapter.SourceRef, error)
}

// FactChecker verifies generated sections.
type FactChecker interface {
	CheckChapter(ctx context.Context, sections []chapter.Section) (chapter.FactCheckVerdict, error)
}

// GapAnalyzer scores chapter completeness.
type GapAnalyzer interface {
	Analyze(ctx context.Context, c *chapter.Chapter) (chapter.GapAnalysisPayload, error)
}

// Deps bundles everything a running orchestrator needs.
type Deps struct {
	Store       *store.Store
	Router      *provider.Router
	Redis       *redis.Client
	DLQ         *dlq.Queue
	Bus         stream.Bus
	Internal    InternalSearcher
	External    ExternalSearcher
	Relevance   RelevanceScorer
	FactChecker FactChecker
	GapAnalyzer GapAnalyzer
}

// Orchestrator runs chapter generation.
type Orchestrator struct {
	deps Deps
	gen  config.GenerationConfig
	res  config.ResearchConfig
	ckpt config.CheckpointConfig
	log  *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an orchestrator. A nil Bus drops progress events.
func New(deps Deps, gen config.GenerationConfig, res config.ResearchConfig, ckpt config.CheckpointConfig) *Orchestrator {
	if deps.Bus == nil {
		deps.Bus = stream.NopBus{}
	}
	return &Orchestrator{
		deps:    deps,
		gen:     gen,
		res:     res,
		ckpt:    ckpt,
		log:     logging.Get(logging.CategoryOrchestrator),
		running: map[string]context.CancelFunc{},
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

// StartRequest describes a new chapter.
type StartRequest struct {
	Owner string `json:"owner"`
	Topic string `json:"topic"`
}

func (r StartRequest) validate() error {
	topic := strings.TrimSpace(r.Topic)
	if r.Owner == "" {
		return llmerr.New(llmerr.KindInvalidInput, "owner is required")
	}
	if len(topic) < minTopicLen {
		return llmerr.New(llmerr.KindInvalidInput, "topic must be at least %d characters", minTopicLen)
	}
	if len(topic) > maxTopicLen {
		return llmerr.New(llmerr.KindInvalidInput, "topic must be at most %d characters", maxTopicLen)
	}
	return nil
}

// Start validates the request, persists a new chapter, and runs the
// pipeline on a background goroutine. It returns the chapter id
// immediately; progress flows through the bus.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	c := chapter.New(uuid.NewString(), req.Owner, strings.TrimSpace(req.Topic))
	if err := o.deps.Store.CreateChapter(ctx, c); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.running[c.ID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, c.ID)
			o.mu.Unlock()
			cancel()
		}()
		if err := o.run(runCtx, c); err != nil {
			o.log.Warn("chapter run ended with error",
				zap.String("chapter", c.ID), zap.Error(err))
		}
	}()
	return c.ID, nil
}

// Resume continues a previously interrupted or failed chapter
// synchronously. Completed stages are skipped via their checkpoints; a
// failed chapter re-enters the pipeline with its terminal state
// cleared, which is how dead-letter retries come back. Only completed
// chapters are refused.
func (o *Orchestrator) Resume(ctx context.Context, chapterID string) error {
	c, err := o.deps.Store.GetChapter(ctx, chapterID)
	if err != nil {
		return err
	}
	if c == nil {
		return llmerr.New(llmerr.KindInvalidInput, "chapter %s not found", chapterID)
	}
	if c.Terminal == chapter.StatusCompleted {
		return llmerr.New(llmerr.KindInvalidInput, "chapter %s already %s", chapterID, c.Terminal)
	}
	if c.Terminal != "" {
		c.Terminal = ""
		if err := o.deps.Store.SaveChapter(ctx, c); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.running[chapterID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, chapterID)
		o.mu.Unlock()
	}()

	return o.run(runCtx, c)
}

// Cancel stops a running chapter. The chapter fails with kind cancelled
// and is never dead-lettered. Unknown or finished chapters are a no-op.
func (o *Orchestrator) Cancel(chapterID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.running[chapterID]
	if ok {
		cancel()
	}
	return ok
}

// RegenerateOptions tune a single-section rewrite. AddedSources extend
// the plan's assigned sources for that section; Instructions are passed
// to the author verbatim.
type RegenerateOptions struct {
	AddedSources []chapter.SourceRef `json:"added_sources,omitempty"`
	Instructions string              `json:"instructions,omitempty"`
}

// RegenerateSection rewrites a single section of a finished chapter,
// reusing the persisted research corpus and synthesis plan. The chapter
// version advances by one.
func (o *Orchestrator) RegenerateSection(ctx context.Context, chapterID string, index int, opts RegenerateOptions) error {
	c, err := o.deps.Store.GetChapter(ctx, chapterID)
	if err != nil {
		return err
	}
	if c == nil {
		return llmerr.New(llmerr.KindInvalidInput, "chapter %s not found", chapterID)
	}
	if index < 0 || index >= len(c.Sections) {
		return llmerr.New(llmerr.KindInvalidInput,
			"section index %d outside [0, %d)", index, len(c.Sections))
	}

	tracker := provider.NewUsageTracker()
	rt := &runtime{
		orch:     o,
		chapter:  c,
		router:   o.deps.Router.WithSink(tracker),
		tracker:  tracker,
		baseCost: c.TotalCostUSD,
	}
	plan, err := rt.plan()
	if err != nil {
		return err
	}
	if index >= len(plan.Sections) {
		return llmerr.New(llmerr.KindInvalidInput,
			"section %d has no plan entry", index)
	}
	sources, err := rt.corpus()
	if err != nil {
		return err
	}
	byID := map[string]chapter.SourceRef{}
	for _, src := range sources {
		byID[src.ID] = src
	}

	sec, err := rt.generateSection(ctx, index, plan.Sections[index], byID, opts)
	if err != nil {
		return err
	}
	c.Sections[index] = sec
	c.TotalCostUSD = rt.baseCost + tracker.Total().CostUSD
	if err := o.deps.Store.SaveChapter(ctx, c); err != nil {
		return err
	}
	rt.publishSectionReady(c.ID, sec, len(c.Sections))
	o.log.Info("section regenerated",
		zap.String("chapter", c.ID), zap.Int("section", index))
	return nil
}

// Get loads a chapter's current state.
func (o *Orchestrator) Get(ctx context.Context, chapterID string) (*chapter.Chapter, error) {
	return o.deps.Store.GetChapter(ctx, chapterID)
}

// OwnerOf resolves a chapter's owner for stream authorization.
func (o *Orchestrator) OwnerOf(chapterID string) (string, bool) {
	c, err := o.deps.Store.GetChapter(context.Background(), chapterID)
	if err != nil || c == nil {
		return "", false
	}
	return c.OwnerID, true
}

// run executes the pipeline from the first incomplete stage.
func (o *Orchestrator) run(ctx context.Context, c *chapter.Chapter) error {
	ck := checkpoint.For(o.deps.Redis, "chapter:"+c.ID, o.ckpt.TTL)
	tracker := provider.NewUsageTracker()
	rt := &runtime{
		orch:     o,
		chapter:  c,
		ck:       ck,
		router:   o.deps.Router.WithSink(tracker),
		tracker:  tracker,
		baseCost: c.TotalCostUSD,
	}

	for _, stage := range chapter.Stages {
		done, err := ck.IsStepComplete(ctx, string(stage))
		if err != nil {
			o.log.Warn("checkpoint read failed, re-running stage",
				zap.String("chapter", c.ID), zap.String("stage", string(stage)), zap.Error(err))
		}
		if done {
			continue
		}
		if err := o.runStage(ctx, rt, stage); err != nil {
			return o.fail(ctx, c, stage, err)
		}
	}

	o.deps.Bus.Publish(stream.Event{
		Type:        stream.EventChapterComplete,
		ChapterID:   c.ID,
		TotalStages: len(chapter.Stages),
	})
	if err := ck.Clear(ctx); err != nil {
		o.log.Warn("failed to clear checkpoints", zap.String("chapter", c.ID), zap.Error(err))
	}
	o.log.Info("chapter completed",
		zap.String("chapter", c.ID),
		zap.Float64("cost_usd", c.TotalCostUSD),
		zap.Int("sections", len(c.Sections)))
	return nil
}

// runStage executes one stage with timeout, retry, and persistence.
func (o *Orchestrator) runStage(ctx context.Context, rt *runtime, stage chapter.StageID) error {
	c := rt.chapter
	o.deps.Bus.Publish(stream.Event{
		Type:        stream.EventStageStart,
		ChapterID:   c.ID,
		Stage:       string(stage),
		StageNumber: chapter.StageNumber(stage),
		TotalStages: len(chapter.Stages),
	})
	o.log.Info("stage start",
		zap.String("chapter", c.ID), zap.String("stage", string(stage)))

	var err error
	backoff := time.Second
	for attempt := 1; attempt <= o.gen.StageAttempts; attempt++ {
		stageCtx := ctx
		var cancel context.CancelFunc
		if o.gen.StageTimeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, o.gen.StageTimeout)
		}
		err = rt.execute(stageCtx, stage)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return llmerr.Wrap(llmerr.KindCancelled, ctx.Err(), "stage %s cancelled", stage)
		}
		if !llmerr.Retryable(err) || attempt == o.gen.StageAttempts {
			return err
		}
		o.log.Warn("stage attempt failed, retrying",
			zap.String("chapter", c.ID), zap.String("stage", string(stage)),
			zap.Int("attempt", attempt), zap.Error(err))
		if serr := o.sleep(ctx, backoff); serr != nil {
			return llmerr.Wrap(llmerr.KindCancelled, serr, "stage %s cancelled", stage)
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	if err != nil {
		return err
	}

	c.CurrentStage = stage
	c.TotalCostUSD = rt.baseCost + rt.tracker.Total().CostUSD
	if err := o.deps.Store.SaveChapter(ctx, c); err != nil {
		return err
	}
	if err := rt.ck.MarkStepComplete(ctx, string(stage), map[string]any{
		"stage_number": chapter.StageNumber(stage),
	}); err != nil {
		o.log.Warn("failed to checkpoint stage",
			zap.String("chapter", c.ID), zap.String("stage", string(stage)), zap.Error(err))
	}
	o.deps.Bus.Publish(stream.Event{
		Type:        stream.EventStageComplete,
		ChapterID:   c.ID,
		Stage:       string(stage),
		StageNumber: chapter.StageNumber(stage),
		TotalStages: len(chapter.Stages),
	})
	return nil
}

// fail records a terminal failure, dead-letters it when the error class
// calls for it, and publishes the failure event.
func (o *Orchestrator) fail(ctx context.Context, c *chapter.Chapter, stage chapter.StageID, cause error) error {
	// Persist with a background-derived context; the run context may be
	// the reason we are here.
	saveCtx := context.WithoutCancel(ctx)
	if err := o.deps.Store.MarkFailed(saveCtx, c, cause); err != nil {
		o.log.Error("failed to persist chapter failure",
			zap.String("chapter", c.ID), zap.Error(err))
	}

	kind, _ := llmerr.KindOf(cause)
	if llmerr.DeadLetter(cause) && o.deps.DLQ != nil {
		entry := dlq.Entry{
			TaskName:  "chapter_generation",
			TaskID:    c.ID,
			Queue:     "default",
			ErrorKind: string(kind),
			ErrorMsg:  cause.Error(),
			Metadata: map[string]string{
				"stage": string(stage),
				"owner": c.OwnerID,
				"topic": c.Topic,
			},
			Stacktrace: string(debug.Stack()),
			FailedAt:   time.Now().UTC(),
		}
		if err := o.deps.DLQ.Add(saveCtx, entry); err != nil {
			o.log.Error("failed to dead-letter chapter",
				zap.String("chapter", c.ID), zap.Error(err))
		}
	}

	o.deps.Bus.Publish(stream.Event{
		Type:      stream.EventChapterFailed,
		ChapterID: c.ID,
		Stage:     string(stage),
		Payload:   failurePayload(kind, cause),
	})
	o.log.Warn("chapter failed",
		zap.String("chapter", c.ID), zap.String("stage", string(stage)),
		zap.String("kind", string(kind)), zap.Error(cause))
	return cause
}

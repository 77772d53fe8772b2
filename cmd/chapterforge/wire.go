package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"chapterforge/internal/breaker"
	"chapterforge/internal/cache"
	"chapterforge/internal/checkpoint"
	"chapterforge/internal/config"
	"chapterforge/internal/dlq"
	"chapterforge/internal/factcheck"
	"chapterforge/internal/gap"
	"chapterforge/internal/ingest"
	"chapterforge/internal/orchestrator"
	"chapterforge/internal/provider"
	"chapterforge/internal/ratelimit"
	"chapterforge/internal/research"
	"chapterforge/internal/store"
	"chapterforge/internal/stream"
	"chapterforge/internal/worker"
)

// app holds every wired subsystem. Commands build what they need and
// close it on exit.
type app struct {
	cfg      config.Config
	rdb      *redis.Client
	store    *store.Store
	router   *provider.Router
	orch     *orchestrator.Orchestrator
	workers  *worker.Runtime
	ingest   *ingest.Pipeline
	dlq      *dlq.Queue
	hub      *stream.Hub
	limiter  *ratelimit.Limiter
	orchDeps orchestrator.Deps
}

func buildApp(ctx context.Context) (*app, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis at %s unreachable: %w", cfg.RedisAddr, err)
	}

	st, err := store.Open(cfg.DatabasePath, cfg.VectorDim)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	providers, err := buildProviders(ctx)
	if err != nil {
		_ = st.Close()
		_ = rdb.Close()
		return nil, err
	}
	router := provider.NewRouter(cfg.Providers, providers,
		breaker.New(rdb, cfg.Breaker), nil)

	dq := dlq.New(rdb)
	hub := stream.NewHub()
	queryCache := cache.New(rdb, cfg.Research.ExternalCacheTTL)

	deps := orchestrator.Deps{
		Store:       st,
		Router:      router,
		Redis:       rdb,
		DLQ:         dq,
		Bus:         hub,
		Internal:    research.NewInternalSearcher(st, router, cfg.Research),
		External:    research.NewExternalClient(cfg.Research, queryCache),
		Relevance:   research.NewRelevanceFilter(router, cfg.Research),
		FactChecker: factcheck.New(router),
		GapAnalyzer: gap.New(router, cfg.Generation.RevisionThreshold),
	}
	orch := orchestrator.New(deps, cfg.Generation, cfg.Research, cfg.Checkpoint)

	workers := worker.New(rdb, dq, cfg.Worker, cfg.Checkpoint.TTL)
	pipeline := ingest.New(st, router, cfg.VectorDim)
	workers.Register(ingest.TaskName, pipeline.Handler())
	workers.Register("chapter_generation", func(ctx context.Context, task worker.Task, _ *checkpoint.Service) error {
		// The orchestrator keeps its own per-chapter checkpoints.
		return orch.Resume(ctx, task.ID)
	})

	return &app{
		cfg:      cfg,
		rdb:      rdb,
		store:    st,
		router:   router,
		orch:     orch,
		workers:  workers,
		ingest:   pipeline,
		dlq:      dq,
		hub:      hub,
		limiter:  ratelimit.New(rdb, cfg.RateLimit),
		orchDeps: deps,
	}, nil
}

func buildProviders(ctx context.Context) ([]provider.Provider, error) {
	var out []provider.Provider
	if cfg.Providers.Anthropic.Enabled {
		out = append(out, provider.NewAnthropicClient(cfg.Providers.Anthropic))
	}
	if cfg.Providers.OpenAI.Enabled {
		out = append(out, provider.NewOpenAIClient(cfg.Providers.OpenAI))
	}
	if cfg.Providers.Gemini.Enabled {
		g, err := provider.NewGeminiClient(ctx, cfg.Providers.Gemini)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		out = append(out, g)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no providers enabled")
	}
	return out, nil
}

func (a *app) close() {
	a.workers.Stop()
	_ = a.store.Close()
	_ = a.rdb.Close()
}

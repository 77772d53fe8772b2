package research

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chapterforge/internal/chapter"
	"chapterforge/internal/config"
	"chapterforge/internal/logging"
	"chapterforge/internal/provider"
	"chapterforge/internal/schema"
)

// relevanceConcurrency bounds parallel scoring calls per filter run.
const relevanceConcurrency = 4

// RelevanceFilter asks the model to score each candidate source against
// the chapter topic and drops everything under the threshold.
type RelevanceFilter struct {
	router *provider.Router
	cfg    config.ResearchConfig
	log    *zap.Logger
}

// NewRelevanceFilter wires the filter over the given router.
func NewRelevanceFilter(r *provider.Router, cfg config.ResearchConfig) *RelevanceFilter {
	return &RelevanceFilter{
		router: r,
		cfg:    cfg,
		log:    logging.Get(logging.CategoryResearch),
	}
}

// Filter scores sources in parallel and returns those at or above the
// relevance threshold, ordered by (AI score desc, id asc). An empty input
// returns immediately without any provider call. A source whose scoring
// call fails keeps its vector similarity score instead of being dropped;
// losing one provider call should not silently shrink the bibliography.
func (f *RelevanceFilter) Filter(ctx context.Context, topic string, sources []chapter.SourceRef) ([]chapter.SourceRef, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	scored := make([]chapter.SourceRef, len(sources))
	copy(scored, sources)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(relevanceConcurrency)

	for i := range scored {
		g.Go(func() error {
			src := scored[i]
			out, err := provider.GenerateObject[schema.SourceRelevance](gctx, f.router,
				provider.TaskMetadataExtraction, provider.TextRequest{
					SystemPrompt: "You assess whether a medical source is relevant to a chapter topic. Respond with JSON only.",
					Prompt: fmt.Sprintf(
						"Chapter topic: %s\n\nSource title: %s\nAbstract: %s\n\nScore relevance from 0 to 1.",
						topic, src.Title, src.Abstract),
					MaxTokens: 500,
				}, schema.SourceRelevanceSchema)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return err
				}
				f.log.Warn("relevance scoring failed, keeping vector score",
					zap.String("source", src.ID), zap.Error(err))
				scored[i].AIRelevanceScore = src.RelevanceScore
				return nil
			}
			scored[i].AIRelevanceScore = out.Data.RelevanceScore
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := scored[:0]
	for _, src := range scored {
		if src.AIRelevanceScore >= f.cfg.RelevanceThreshold {
			kept = append(kept, src)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].AIRelevanceScore != kept[j].AIRelevanceScore {
			return kept[i].AIRelevanceScore > kept[j].AIRelevanceScore
		}
		return kept[i].ID < kept[j].ID
	})
	f.log.Debug("relevance filter complete",
		zap.Int("in", len(sources)), zap.Int("kept", len(kept)))
	return kept, nil
}

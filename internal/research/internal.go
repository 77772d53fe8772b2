// Package research gathers, scores, and deduplicates the sources a
// chapter draws on. Internal retrieval searches the ingested corpus by
// embedding similarity; external retrieval queries a publication index
// through a cache. Both paths emit the same SourceRef shape so downstream
// stages never care where a source came from.
package research

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chapterforge/internal/chapter"
	"chapterforge/internal/config"
	"chapterforge/internal/logging"
	"chapterforge/internal/provider"
	"chapterforge/internal/store"
)

// InternalSearcher runs embedding search over the ingested corpus.
type InternalSearcher struct {
	store  *store.Store
	router *provider.Router
	cfg    config.ResearchConfig
	log    *zap.Logger
}

// NewInternalSearcher wires retrieval over the given store and router.
func NewInternalSearcher(st *store.Store, r *provider.Router, cfg config.ResearchConfig) *InternalSearcher {
	return &InternalSearcher{
		store:  st,
		router: r,
		cfg:    cfg,
		log:    logging.Get(logging.CategoryResearch),
	}
}

// Search embeds every query in parallel, runs vector search for each,
// and merges per-document: a document hit by several queries keeps its
// best similarity. An empty corpus is a valid outcome, not an error.
// Results order by (score desc, document id asc) so ties are stable.
func (s *InternalSearcher) Search(ctx context.Context, queries []string) ([]chapter.SourceRef, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	best := map[string]chapter.SourceRef{}

	g, ctx := errgroup.WithContext(ctx)
	for _, q := range queries {
		g.Go(func() error {
			emb, err := s.router.GenerateEmbedding(ctx, q, "")
			if err != nil {
				return err
			}
			hits, err := s.store.SearchChunks(ctx, emb.Vector, s.cfg.TopKPerQuery, s.cfg.SimilarityThreshold)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, h := range hits {
				ref, ok := best[h.Document.ID]
				if !ok || h.Similarity > ref.RelevanceScore {
					best[h.Document.ID] = chapter.SourceRef{
						Origin:         chapter.OriginInternalDoc,
						ID:             h.Document.ID,
						Title:          h.Document.Title,
						Year:           h.Document.Year,
						Abstract:       firstNonEmpty(h.Document.Abstract, h.Chunk.Content),
						RelevanceScore: h.Similarity,
						Embedding:      h.Chunk.Embedding,
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]chapter.SourceRef, 0, len(best))
	for _, ref := range best {
		out = append(out, ref)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].ID < out[j].ID
	})
	s.log.Debug("internal search complete",
		zap.Int("queries", len(queries)), zap.Int("sources", len(out)))
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

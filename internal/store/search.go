package store

import (
	"context"
	"database/sql"
	"sort"

	"chapterforge/internal/llmerr"
	"chapterforge/internal/vecmath"
)

// SearchHit is one vector search result joined with its document.
type SearchHit struct {
	Chunk      Chunk    `json:"chunk"`
	Document   Document `json:"document"`
	Similarity float64  `json:"similarity"`
}

// SearchChunks returns the topK chunks whose embeddings score at or
// above threshold cosine similarity against the query vector. Results
// order by (similarity desc, document id asc, chunk seq asc) so equal
// scores are deterministic across runs. The sqlite_vec build pushes the
// distance computation into SQL; the default build scans in Go.
func (s *Store) SearchChunks(ctx context.Context, query []float32, topK int, threshold float64) ([]SearchHit, error) {
	if len(query) != s.vectorDim {
		return nil, llmerr.New(llmerr.KindIntegrity,
			"query embedding has dimension %d, store requires %d", len(query), s.vectorDim)
	}
	return s.searchChunks(ctx, query, topK, threshold)
}

// scanSearchChunks walks every embedded chunk, scoring cosine
// similarity in Go.
func (s *Store) scanSearchChunks(ctx context.Context, query []float32, topK int, threshold float64) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.seq, c.content, c.embedding, c.created_at,
		       d.id, d.title, d.year, d.abstract, d.citation, d.created_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL`)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to scan chunks")
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, llmerr.Wrap(llmerr.KindCancelled, err, "search interrupted")
		}
		var c Chunk
		var d Document
		var blob []byte
		var abstract, citation sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Content, &blob, &c.CreatedAt,
			&d.ID, &d.Title, &d.Year, &abstract, &citation, &d.CreatedAt); err != nil {
			return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to scan search row")
		}
		d.Abstract = abstract.String
		d.Citation = citation.String

		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, llmerr.Wrap(llmerr.KindIntegrity, err, "corrupt embedding on chunk %s", c.ID)
		}
		sim, err := vecmath.Cosine(query, vec)
		if err != nil {
			return nil, llmerr.Wrap(llmerr.KindIntegrity, err, "chunk %s", c.ID)
		}
		if sim < threshold {
			continue
		}
		c.Embedding = vec
		hits = append(hits, SearchHit{Chunk: c, Document: d, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to iterate chunks")
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].Chunk.DocumentID != hits[j].Chunk.DocumentID {
			return hits[i].Chunk.DocumentID < hits[j].Chunk.DocumentID
		}
		return hits[i].Chunk.Seq < hits[j].Chunk.Seq
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

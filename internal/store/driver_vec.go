//go:build sqlite_vec && cgo

package store

import (
	"context"
	"database/sql"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"chapterforge/internal/llmerr"
)

const driverName = "sqlite3"

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver.
	// vec.Auto() registers it as an auto-loadable extension, which gives
	// vec_distance_cosine() to SQL-side callers.
	vec.Auto()
}

// searchChunks pushes the cosine distance into SQL via
// vec_distance_cosine over the raw float32 embedding blobs. The order
// mirrors the Go-side scan: similarity desc, then document id, then
// chunk seq.
func (s *Store) searchChunks(ctx context.Context, query []float32, topK int, threshold float64) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxDist := 1 - threshold
	args := []any{EncodeVector(query), maxDist}
	q := `
		SELECT c.id, c.document_id, c.seq, c.content, c.embedding, c.created_at,
		       d.id, d.title, d.year, d.abstract, d.citation, d.created_at,
		       vec_distance_cosine(c.embedding, ?1) AS dist
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL AND vec_distance_cosine(c.embedding, ?1) <= ?2
		ORDER BY dist ASC, c.document_id ASC, c.seq ASC`
	if topK > 0 {
		q += ` LIMIT ?3`
		args = append(args, topK)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "vector search failed")
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var c Chunk
		var d Document
		var blob []byte
		var abstract, citation sql.NullString
		var dist float64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Content, &blob, &c.CreatedAt,
			&d.ID, &d.Title, &d.Year, &abstract, &citation, &d.CreatedAt, &dist); err != nil {
			return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to scan search row")
		}
		d.Abstract = abstract.String
		d.Citation = citation.String

		c.Embedding, err = DecodeVector(blob)
		if err != nil {
			return nil, llmerr.Wrap(llmerr.KindIntegrity, err, "corrupt embedding on chunk %s", c.ID)
		}
		hits = append(hits, SearchHit{Chunk: c, Document: d, Similarity: 1 - dist})
	}
	if err := rows.Err(); err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to iterate search rows")
	}
	return hits, nil
}

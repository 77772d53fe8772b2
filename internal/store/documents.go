package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"chapterforge/internal/llmerr"
)

// Document is an ingested source publication.
type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Authors    []string  `json:"authors,omitempty"`
	Year       int       `json:"year,omitempty"`
	SourcePath string    `json:"source_path,omitempty"`
	Abstract   string    `json:"abstract,omitempty"`
	Citation   string    `json:"citation,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chunk is one embedded slice of a document.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Seq        int       `json:"seq"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Image is a figure extracted from a document.
type Image struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Page       int             `json:"page,omitempty"`
	Caption    string          `json:"caption,omitempty"`
	MimeType   string          `json:"mime_type,omitempty"`
	Data       []byte          `json:"-"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CreateDocument inserts a document record.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	authors, err := json.Marshal(d.Authors)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to marshal authors")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, authors_json, year, source_path, abstract, citation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Title, string(authors), d.Year, d.SourcePath, d.Abstract, d.Citation, d.CreatedAt)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to insert document %s", d.ID)
	}
	return nil
}

// GetDocument loads one document. Returns nil when absent.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d Document
	var authors sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, authors_json, year, source_path, abstract, citation, created_at
		FROM documents WHERE id = ?`, id).
		Scan(&d.ID, &d.Title, &authors, &d.Year, &d.SourcePath, &d.Abstract, &d.Citation, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to load document %s", id)
	}
	if authors.Valid && authors.String != "" {
		if err := json.Unmarshal([]byte(authors.String), &d.Authors); err != nil {
			return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to decode authors for %s", id)
		}
	}
	return &d, nil
}

// ListDocuments returns all documents, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, authors_json, year, source_path, abstract, citation, created_at
		FROM documents ORDER BY created_at DESC`)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to list documents")
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var authors sql.NullString
		if err := rows.Scan(&d.ID, &d.Title, &authors, &d.Year, &d.SourcePath, &d.Abstract, &d.Citation, &d.CreatedAt); err != nil {
			return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to scan document row")
		}
		if authors.Valid && authors.String != "" {
			if err := json.Unmarshal([]byte(authors.String), &d.Authors); err != nil {
				return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to decode authors")
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddChunks inserts a batch of chunks in one transaction. Embeddings must
// match the store's vector dimension; a chunk may be stored without an
// embedding and backfilled later.
func (s *Store) AddChunks(ctx context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, seq, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to prepare chunk insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		var blob []byte
		if c.Embedding != nil {
			if len(c.Embedding) != s.vectorDim {
				return llmerr.New(llmerr.KindIntegrity,
					"chunk %s embedding has dimension %d, store requires %d",
					c.ID, len(c.Embedding), s.vectorDim)
			}
			blob = EncodeVector(c.Embedding)
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Seq, c.Content, blob, c.CreatedAt); err != nil {
			return llmerr.Wrap(llmerr.KindStore, err, "failed to insert chunk %s", c.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to commit chunks")
	}
	return nil
}

// SetDocumentCitation backfills the extracted citation references of an
// existing document.
func (s *Store) SetDocumentCitation(ctx context.Context, id, citation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET citation = ? WHERE id = ?`, citation, id)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to update document %s citation", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return llmerr.New(llmerr.KindStore, "document %s not found", id)
	}
	return nil
}

// ListChunks returns a document's chunks in sequence order, with any
// stored embeddings decoded.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, seq, content, embedding, created_at
		FROM chunks WHERE document_id = ? ORDER BY seq ASC`, documentID)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to list chunks for %s", documentID)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Content, &blob, &c.CreatedAt); err != nil {
			return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to scan chunk row")
		}
		if len(blob) > 0 {
			vec, err := DecodeVector(blob)
			if err != nil {
				return nil, llmerr.Wrap(llmerr.KindIntegrity, err, "chunk %s has a corrupt embedding", c.ID)
			}
			c.Embedding = vec
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to read chunk rows")
	}
	return out, nil
}

// SetChunkEmbedding backfills the embedding of an existing chunk.
func (s *Store) SetChunkEmbedding(ctx context.Context, chunkID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(embedding) != s.vectorDim {
		return llmerr.New(llmerr.KindIntegrity,
			"embedding has dimension %d, store requires %d", len(embedding), s.vectorDim)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET embedding = ? WHERE id = ?`, EncodeVector(embedding), chunkID)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to update chunk %s embedding", chunkID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return llmerr.New(llmerr.KindStore, "chunk %s not found", chunkID)
	}
	return nil
}

// SaveImage stores an extracted figure, including any vision analysis.
func (s *Store) SaveImage(ctx context.Context, img *Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	var analysis any
	if len(img.Analysis) > 0 {
		analysis = string(img.Analysis)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (id, document_id, page, caption, mime_type, data, analysis_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET caption = excluded.caption, analysis_json = excluded.analysis_json`,
		img.ID, img.DocumentID, img.Page, img.Caption, img.MimeType, img.Data, analysis, img.CreatedAt)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStore, err, "failed to save image %s", img.ID)
	}
	return nil
}

// ListImages returns a document's figures in page order.
func (s *Store) ListImages(ctx context.Context, documentID string) ([]Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, page, caption, mime_type, data, analysis_json, created_at
		FROM images WHERE document_id = ? ORDER BY page ASC, id ASC`, documentID)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to list images for %s", documentID)
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		var img Image
		var analysis sql.NullString
		if err := rows.Scan(&img.ID, &img.DocumentID, &img.Page, &img.Caption, &img.MimeType, &img.Data, &analysis, &img.CreatedAt); err != nil {
			return nil, llmerr.Wrap(llmerr.KindStore, err, "failed to scan image row")
		}
		if analysis.Valid {
			img.Analysis = json.RawMessage(analysis.String)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

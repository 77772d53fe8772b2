// Package store persists chapters, source documents, and their embedded
// chunks in SQLite. One Store owns one database file; all writes are
// serialized through a single connection so SQLite never sees concurrent
// writers.
package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"chapterforge/internal/logging"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db        *sql.DB
	dbPath    string
	vectorDim int
	mu        sync.RWMutex
	log       *zap.Logger
}

// Open creates or opens the database at path. vectorDim is the embedding
// dimension every stored vector must have; opening an existing database
// created with a different dimension fails rather than silently mixing
// incomparable vectors.
func Open(path string, vectorDim int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:        db,
		dbPath:    path,
		vectorDim: vectorDim,
		log:       logging.Get(logging.CategoryStore),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.checkVectorDim(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Debug("store opened", zap.String("path", path), zap.Int("vector_dim", vectorDim))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// VectorDim returns the embedding dimension this store was opened with.
func (s *Store) VectorDim() int {
	return s.vectorDim
}

func (s *Store) initSchema() error {
	schema := `
	-- Store-level settings, including the embedding dimension.
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Chapter state machine records.
	CREATE TABLE IF NOT EXISTS chapters (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		topic TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		chapter_json TEXT NOT NULL,
		error_kind TEXT,
		error_message TEXT,
		cost_usd REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chapters_owner ON chapters(owner);
	CREATE INDEX IF NOT EXISTS idx_chapters_status ON chapters(status);

	-- Immutable per-stage snapshots for audit and resume.
	CREATE TABLE IF NOT EXISTS chapter_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chapter_id TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		snapshot_json TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_versions_chapter ON chapter_versions(chapter_id);

	-- Ingested source documents.
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		authors_json TEXT,
		year INTEGER,
		source_path TEXT,
		abstract TEXT,
		citation TEXT,
		created_at DATETIME NOT NULL
	);

	-- Embedded text chunks for vector search.
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

	-- Figures extracted from documents, with vision analysis.
	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		page INTEGER,
		caption TEXT,
		mime_type TEXT,
		data BLOB,
		analysis_json TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_images_document ON images(document_id);

	-- Gap analysis reports per chapter.
	CREATE TABLE IF NOT EXISTS gap_analyses (
		id TEXT PRIMARY KEY,
		chapter_id TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
		report_json TEXT NOT NULL,
		completeness REAL NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_gaps_chapter ON gap_analyses(chapter_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// checkVectorDim pins the embedding dimension on first open and refuses
// to reopen with a different one.
func (s *Store) checkVectorDim() error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'vector_dim'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('vector_dim', ?)`,
			fmt.Sprint(s.vectorDim))
		if err != nil {
			return fmt.Errorf("failed to record vector dimension: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read vector dimension: %w", err)
	}
	if stored != fmt.Sprint(s.vectorDim) {
		return fmt.Errorf("database has vector_dim=%s but store opened with %d; refusing to mix embedding spaces",
			stored, s.vectorDim)
	}
	return nil
}

// EncodeVector serializes a float32 vector to the little-endian blob
// layout sqlite-vec expects.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector parses a blob written by EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

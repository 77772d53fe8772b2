// Package ingest runs the five-phase per-document pipeline: text
// chunking, figure extraction, vision analysis, embedding backfill, and
// citation extraction. Each phase is a checkpoint step, so an
// interrupted ingestion resumes without repeating committed work.
// Downstream retrieval only sees documents whose chunks are embedded.
package ingest

import (
	"context"
	"encoding/json"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chapterforge/internal/checkpoint"
	"chapterforge/internal/llmerr"
	"chapterforge/internal/logging"
	"chapterforge/internal/provider"
	"chapterforge/internal/store"
	"chapterforge/internal/worker"
)

// TaskName is the worker task type for per-document ingestion.
const TaskName = "document_ingestion"

// Checkpoint steps, one per phase.
const (
	stepChunks        = "text_chunks"
	stepImages        = "images"
	stepImageAnalysis = "image_analysis"
	stepEmbeddings    = "embeddings"
	stepCitations     = "citations"
)

// Chunking window in words. Overlap keeps context across boundaries.
const (
	chunkWords   = 300
	overlapWords = 50
)

var (
	markdownImage = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
	doiPattern    = regexp.MustCompile(`\b10\.\d{4,9}/[^\s"'<>)\]]+`)
	narrativeCite = regexp.MustCompile(`\([A-Z][A-Za-z-]+(?: et al\.)?,? (?:19|20)\d\d\)`)
)

// Pipeline ingests one document at a time.
type Pipeline struct {
	store     *store.Store
	router    *provider.Router
	vectorDim int
	log       *zap.Logger
}

// New wires an ingestion pipeline against the given store and router.
func New(st *store.Store, router *provider.Router, vectorDim int) *Pipeline {
	return &Pipeline{
		store:     st,
		router:    router,
		vectorDim: vectorDim,
		log:       logging.Get(logging.CategoryIngest),
	}
}

// Handler adapts the pipeline to the worker runtime. The payload carries
// document_id and path; document metadata must already exist.
func (p *Pipeline) Handler() worker.Handler {
	return func(ctx context.Context, task worker.Task, ck *checkpoint.Service) error {
		docID := task.Payload["document_id"]
		path := task.Payload["path"]
		if docID == "" || path == "" {
			return llmerr.New(llmerr.KindInvalidInput,
				"ingestion task %s missing document_id or path", task.ID)
		}
		return p.Run(ctx, docID, path, ck)
	}
}

// Register creates the document record for a source file. This must
// happen before its ingestion task is enqueued, so phases always find
// their parent row.
func (p *Pipeline) Register(ctx context.Context, path string) (string, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return "", llmerr.Wrap(llmerr.KindInvalidInput, err, "failed to read document %s", path)
	}
	doc := &store.Document{
		ID:         uuid.NewString(),
		Title:      documentTitle(string(text), path),
		SourcePath: path,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// Ingest registers the document and runs the pipeline synchronously,
// for CLI use outside the worker runtime.
func (p *Pipeline) Ingest(ctx context.Context, path string, ck *checkpoint.Service) (string, error) {
	docID, err := p.Register(ctx, path)
	if err != nil {
		return "", err
	}
	return docID, p.Run(ctx, docID, path, ck)
}

// Run executes the five phases for one registered document.
func (p *Pipeline) Run(ctx context.Context, docID, path string, ck *checkpoint.Service) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return llmerr.Wrap(llmerr.KindInvalidInput, err, "failed to read document %s", path)
	}
	text := string(raw)

	phases := []struct {
		step string
		run  func(context.Context) error
	}{
		{stepChunks, func(ctx context.Context) error { return p.phaseChunks(ctx, docID, text) }},
		{stepImages, func(ctx context.Context) error { return p.phaseImages(ctx, docID, path, text) }},
		{stepImageAnalysis, func(ctx context.Context) error { return p.phaseImageAnalysis(ctx, docID) }},
		{stepEmbeddings, func(ctx context.Context) error { return p.phaseEmbeddings(ctx, docID) }},
		{stepCitations, func(ctx context.Context) error { return p.phaseCitations(ctx, docID, text) }},
	}

	for _, phase := range phases {
		done, err := ck.IsStepComplete(ctx, phase.step)
		if err != nil {
			p.log.Warn("checkpoint read failed, re-running phase",
				zap.String("document", docID), zap.String("phase", phase.step), zap.Error(err))
		}
		if done {
			continue
		}
		if err := phase.run(ctx); err != nil {
			return err
		}
		if err := ck.MarkStepComplete(ctx, phase.step, map[string]any{"document": docID}); err != nil {
			p.log.Warn("failed to checkpoint phase",
				zap.String("document", docID), zap.String("phase", phase.step), zap.Error(err))
		}
		p.log.Info("ingestion phase complete",
			zap.String("document", docID), zap.String("phase", phase.step))
	}
	return nil
}

func (p *Pipeline) phaseChunks(ctx context.Context, docID, text string) error {
	parts := splitChunks(text, chunkWords, overlapWords)
	if len(parts) == 0 {
		return llmerr.New(llmerr.KindInvalidInput, "document %s has no extractable text", docID)
	}
	chunks := make([]store.Chunk, len(parts))
	for i, content := range parts {
		chunks[i] = store.Chunk{
			ID:         uuid.NewString(),
			DocumentID: docID,
			Seq:        i,
			Content:    content,
		}
	}
	return p.store.AddChunks(ctx, chunks)
}

func (p *Pipeline) phaseImages(ctx context.Context, docID, path, text string) error {
	dir := filepath.Dir(path)
	for i, m := range markdownImage.FindAllStringSubmatch(text, -1) {
		caption, ref := m[1], m[2]
		if strings.Contains(ref, "://") {
			continue // remote figures are not fetched
		}
		data, err := os.ReadFile(filepath.Join(dir, ref))
		if err != nil {
			p.log.Warn("skipping unreadable figure",
				zap.String("document", docID), zap.String("ref", ref), zap.Error(err))
			continue
		}
		img := &store.Image{
			ID:         uuid.NewString(),
			DocumentID: docID,
			Page:       i + 1,
			Caption:    caption,
			MimeType:   mime.TypeByExtension(filepath.Ext(ref)),
			Data:       data,
		}
		if err := p.store.SaveImage(ctx, img); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) phaseImageAnalysis(ctx context.Context, docID string) error {
	images, err := p.store.ListImages(ctx, docID)
	if err != nil {
		return err
	}
	for _, img := range images {
		if len(img.Analysis) > 0 || len(img.Data) == 0 {
			continue
		}
		out, err := p.router.AnalyzeImage(ctx, provider.TaskVision, img.Data, img.MimeType,
			"Describe this medical figure: anatomy shown, technique depicted, and clinical relevance.")
		if err != nil {
			return err
		}
		analysis, err := json.Marshal(map[string]string{"description": out.Text, "provider": out.Provider})
		if err != nil {
			return llmerr.Wrap(llmerr.KindStore, err, "failed to encode analysis for image %s", img.ID)
		}
		img.Analysis = analysis
		saved := img
		if err := p.store.SaveImage(ctx, &saved); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) phaseEmbeddings(ctx context.Context, docID string) error {
	chunks, err := p.store.ListChunks(ctx, docID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			continue // backfilled by an earlier attempt
		}
		out, err := p.router.GenerateEmbedding(ctx, c.Content, "")
		if err != nil {
			return err
		}
		if len(out.Vector) != p.vectorDim {
			return llmerr.New(llmerr.KindIntegrity,
				"provider returned embedding dimension %d, store requires %d",
				len(out.Vector), p.vectorDim)
		}
		if err := p.store.SetChunkEmbedding(ctx, c.ID, out.Vector); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) phaseCitations(ctx context.Context, docID, text string) error {
	seen := map[string]bool{}
	var refs []string
	for _, m := range doiPattern.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;")
		if !seen[m] {
			seen[m] = true
			refs = append(refs, m)
		}
	}
	for _, m := range narrativeCite.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			refs = append(refs, m)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return p.store.SetDocumentCitation(ctx, docID, strings.Join(refs, "; "))
}

// documentTitle uses the first markdown heading, falling back to the
// file name.
func documentTitle(text, path string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// splitChunks windows text into word runs of size words with the given
// overlap. The final window may be shorter; empty input yields nothing.
func splitChunks(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size <= overlap {
		size = overlap + 1
	}
	var out []string
	for start := 0; start < len(words); start += size - overlap {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}

// Package chapter defines the chapter domain model: the chapter itself,
// its ordered sections, stage result payloads, and the SourceRef wrapper
// shared by internal and external research sources.
//
// Ownership is arena style: a chapter owns its sections by value, sources
// are referenced by stable id, and version snapshots take deep immutable
// copies of content.
package chapter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"chapterforge/internal/schema"
	"chapterforge/internal/vecmath"
)

// SourceOrigin distinguishes internal corpus documents from external
// publications.
type SourceOrigin string

const (
	OriginInternalDoc SourceOrigin = "internal-doc"
	OriginExternalPub SourceOrigin = "external-pub"
)

// SourceRef is the uniform wrapper for a research source.
type SourceRef struct {
	Origin   SourceOrigin `json:"origin"`
	ID       string       `json:"id"` // document id, DOI, or external-pub id
	Title    string       `json:"title"`
	Authors  []string     `json:"authors,omitempty"`
	Year     int          `json:"year,omitempty"`
	Abstract string       `json:"abstract,omitempty"`

	RelevanceScore   float64 `json:"relevance_score"`
	AIRelevanceScore float64 `json:"ai_relevance_score,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`
}

// NormalizedTitleHash hashes the lowercased, punctuation-stripped title.
func (s SourceRef) NormalizedTitleHash() string {
	var b strings.Builder
	for _, r := range strings.ToLower(s.Title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SameAs reports SourceRef equality: matching stable identifier, matching
// normalized title hash, or embedding cosine similarity at or above
// fuzzyThreshold.
func (s SourceRef) SameAs(other SourceRef, fuzzyThreshold float64) bool {
	if s.ID != "" && s.ID == other.ID {
		return true
	}
	if s.Title != "" && other.Title != "" &&
		s.NormalizedTitleHash() == other.NormalizedTitleHash() {
		return true
	}
	if len(s.Embedding) > 0 && len(s.Embedding) == len(other.Embedding) {
		if sim, err := vecmath.Cosine(s.Embedding, other.Embedding); err == nil && sim >= fuzzyThreshold {
			return true
		}
	}
	return false
}

// Section is one element of a chapter's ordered content.
type Section struct {
	Index       int         `json:"index"`
	Title       string      `json:"title"`
	Content     string      `json:"content"`
	Sources     []SourceRef `json:"sources,omitempty"`
	ImageIDs    []string    `json:"image_ids,omitempty"`
	WordCount   int         `json:"word_count"`
	CostUSD     float64     `json:"cost_usd"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// QualityScores are the four deterministic quality scalars in [0,1].
type QualityScores struct {
	Depth    float64 `json:"depth"`
	Coverage float64 `json:"coverage"`
	Evidence float64 `json:"evidence"`
	Currency float64 `json:"currency"`
}

// FactCheckVerdict is the chapter-level fact check outcome.
type FactCheckVerdict struct {
	Passed          bool               `json:"passed"`
	OverallAccuracy float64            `json:"overall_accuracy"`
	SectionResults  []schema.FactCheck `json:"section_results"`
}

// Chapter is the unit of orchestrator execution.
type Chapter struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Topic   string `json:"topic"`
	Title   string `json:"title"`

	CurrentStage StageID `json:"current_stage"`
	Terminal     string  `json:"terminal,omitempty"` // "", completed, failed
	Version      int     `json:"version"`

	Sections         []Section `json:"sections"`
	ExecutiveSummary string    `json:"executive_summary,omitempty"`
	KeyPoints        []string  `json:"key_points,omitempty"`
	Tags             []string  `json:"tags,omitempty"`

	// StagePayloads maps stage id to its result, append-only once the
	// stage completes.
	StagePayloads map[StageID]json.RawMessage `json:"stage_payloads"`

	Quality          QualityScores     `json:"quality"`
	Completeness     float64           `json:"completeness"`
	RequiresRevision bool              `json:"requires_revision"`
	FactCheck        *FactCheckVerdict `json:"fact_check,omitempty"`

	TotalCostUSD float64 `json:"total_cost_usd"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a chapter at the first stage.
func New(id, ownerID, topic string) *Chapter {
	now := time.Now().UTC()
	return &Chapter{
		ID:            id,
		OwnerID:       ownerID,
		Topic:         topic,
		CurrentStage:  StageInputValid,
		StagePayloads: map[StageID]json.RawMessage{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SetStagePayload records a completed stage's result. Payloads are opaque
// JSON at the persistence boundary but always materialize into the typed
// stage result in memory (see payloads.go).
func (c *Chapter) SetStagePayload(stage StageID, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if c.StagePayloads == nil {
		c.StagePayloads = map[StageID]json.RawMessage{}
	}
	c.StagePayloads[stage] = data
	return nil
}

// StagePayloadInto materializes a stage payload into out. Returns false
// when the stage has no payload yet.
func (c *Chapter) StagePayloadInto(stage StageID, out any) (bool, error) {
	raw, ok := c.StagePayloads[stage]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// IsTerminal reports whether the chapter reached a terminal state.
func (c *Chapter) IsTerminal() bool { return c.Terminal != "" }

// Snapshot takes a deep immutable copy of the chapter's content for
// versioning.
func (c *Chapter) Snapshot() Version {
	data, _ := json.Marshal(c)
	return Version{
		ChapterID: c.ID,
		Version:   c.Version,
		Content:   data,
		CreatedAt: time.Now().UTC(),
	}
}

// Version is an immutable content snapshot.
type Version struct {
	ChapterID string          `json:"chapter_id"`
	Version   int             `json:"version"`
	Content   json.RawMessage `json:"content"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	IsCurrent bool            `json:"is_current"`
}

package chapter

import (
	"time"

	"chapterforge/internal/schema"
)

// Typed stage payloads. Each stage persists exactly one of these; the
// orchestrator materializes the typed value in memory and serializes it to
// the chapter's opaque payload column.

// InputPayload holds the validated topic and its analysis.
type InputPayload struct {
	Topic    string                 `json:"topic"`
	Analysis schema.ChapterAnalysis `json:"analysis"`
}

// ContextPayload holds the research plan derived from the topic
// analysis.
type ContextPayload struct {
	Research schema.ResearchContext `json:"research"`
}

// ResearchPayload is shared by the internal and external research stages.
type ResearchPayload struct {
	Sources []SourceRef `json:"sources"`
}

// SectionGenPayload records the outcome of section generation.
type SectionGenPayload struct {
	PlannedSections int     `json:"planned_sections"`
	Generated       int     `json:"generated"`
	CostUSD         float64 `json:"cost_usd"`
}

// ImagePlacement maps an image onto a section.
type ImagePlacement struct {
	SectionIndex int    `json:"section_index"`
	ImageID      string `json:"image_id"`
	Caption      string `json:"caption,omitempty"`
}

// ImageIntegrationPayload records deterministic image placement.
type ImageIntegrationPayload struct {
	Placements []ImagePlacement `json:"placements"`
}

// BibliographyEntry is one unique source in the chapter bibliography.
type BibliographyEntry struct {
	Number   int       `json:"number"`
	Source   SourceRef `json:"source"`
	Sections []int     `json:"sections"` // back-references by section index
}

// CitationPayload is the aggregated ordered bibliography.
type CitationPayload struct {
	Bibliography []BibliographyEntry `json:"bibliography"`
}

// QAPayload holds the deterministic quality scalars.
type QAPayload struct {
	Scores QualityScores `json:"scores"`
}

// FormattingPayload records structural normalization results.
type FormattingPayload struct {
	Anchors      []string `json:"anchors"`
	HeadingWarns []string `json:"heading_warnings,omitempty"`
}

// GapDimension is one scored dimension of the gap analysis.
type GapDimension struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Score  float64 `json:"score"`
}

// Gap is a single identified gap with its severity.
type Gap struct {
	Dimension   string `json:"dimension"`
	Severity    string `json:"severity"` // low, medium, high, critical
	Description string `json:"description"`
}

// GapAnalysisPayload is the 5-dimensional completeness report.
type GapAnalysisPayload struct {
	Score            float64        `json:"score"`
	Dimensions       []GapDimension `json:"dimensions"`
	Gaps             []Gap          `json:"gaps"`
	Recommendations  []string       `json:"recommendations"`
	RequiresRevision bool           `json:"requires_revision"`
}

// FinalizePayload records the terminal snapshot.
type FinalizePayload struct {
	Version     int       `json:"version"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// FactCheckPayload wraps the chapter-level verdict for stage persistence.
type FactCheckPayload struct {
	Verdict FactCheckVerdict `json:"verdict"`
}

// ReviewPayload stores review suggestions. They are never applied
// automatically.
type ReviewPayload struct {
	Notes schema.ReviewNotes `json:"notes"`
}

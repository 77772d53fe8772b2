package schema

// Chapter types produced by topic analysis.
const (
	ChapterTypeSurgicalDisease   = "surgical_disease"
	ChapterTypePureAnatomy       = "pure_anatomy"
	ChapterTypeSurgicalTechnique = "surgical_technique"
)

// ChapterAnalysis is the contract for the topic analysis stage.
type ChapterAnalysis struct {
	PrimaryConcepts       []string `json:"primary_concepts" validate:"required,min=1,dive,required"`
	ChapterType           string   `json:"chapter_type" validate:"required,oneof=surgical_disease pure_anatomy surgical_technique"`
	Keywords              []string `json:"keywords" validate:"required,min=3,max=20,dive,required"`
	Complexity            string   `json:"complexity" validate:"required,oneof=beginner intermediate advanced expert"`
	EstimatedSectionCount int      `json:"estimated_section_count" validate:"required,min=10,max=150"`
}

// ChapterAnalysisSchema is the canonical JSON Schema for ChapterAnalysis.
var ChapterAnalysisSchema = Schema{Name: "ChapterAnalysis", Raw: `{
  "type": "object",
  "properties": {
    "primary_concepts": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "chapter_type": {"type": "string", "enum": ["surgical_disease", "pure_anatomy", "surgical_technique"]},
    "keywords": {"type": "array", "items": {"type": "string"}, "minItems": 3, "maxItems": 20},
    "complexity": {"type": "string", "enum": ["beginner", "intermediate", "advanced", "expert"]},
    "estimated_section_count": {"type": "integer", "minimum": 10, "maximum": 150}
  },
  "required": ["primary_concepts", "chapter_type", "keywords", "complexity", "estimated_section_count"],
  "additionalProperties": false
}`}

// KeyReference is a provider-suggested source inside a ResearchContext.
type KeyReference struct {
	Title  string `json:"title" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// ResearchContext is the contract for the research planning stage. The
// three query sets drive internal vector search, external API search, and
// keyword search respectively.
type ResearchContext struct {
	Synonyms             []string            `json:"synonyms,omitempty"`
	VectorQueries        []string            `json:"vector_queries" validate:"required,min=1,dive,required"`
	ExternalQueries      []string            `json:"external_queries" validate:"required,min=1,dive,required"`
	KeywordQueries       []string            `json:"keyword_queries,omitempty"`
	ResearchGaps         []string            `json:"research_gaps" validate:"required"`
	KeyReferences        []KeyReference      `json:"key_references" validate:"required"`
	ContentCategories    map[string][]string `json:"content_categories" validate:"required"`
	ConfidenceAssessment struct {
		OverallConfidence float64 `json:"overall_confidence" validate:"min=0,max=1"`
	} `json:"confidence_assessment" validate:"required"`
	TemporalCoverage string `json:"temporal_coverage,omitempty"`
}

// ResearchContextSchema is the canonical JSON Schema for ResearchContext.
var ResearchContextSchema = Schema{Name: "ResearchContext", Raw: `{
  "type": "object",
  "properties": {
    "synonyms": {"type": "array", "items": {"type": "string"}},
    "vector_queries": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "external_queries": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "keyword_queries": {"type": "array", "items": {"type": "string"}},
    "research_gaps": {"type": "array", "items": {"type": "string"}},
    "key_references": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"title": {"type": "string"}, "reason": {"type": "string"}},
        "required": ["title"],
        "additionalProperties": false
      }
    },
    "content_categories": {"type": "object", "additionalProperties": {"type": "array", "items": {"type": "string"}}},
    "confidence_assessment": {
      "type": "object",
      "properties": {"overall_confidence": {"type": "number", "minimum": 0, "maximum": 1}},
      "required": ["overall_confidence"],
      "additionalProperties": false
    },
    "temporal_coverage": {"type": "string"}
  },
  "required": ["vector_queries", "external_queries", "research_gaps", "key_references", "content_categories", "confidence_assessment"],
  "additionalProperties": false
}`}

// SourceRelevance scores a single research candidate against the topic.
type SourceRelevance struct {
	RelevanceScore float64 `json:"relevance_score" validate:"min=0,max=1"`
	Reason         string  `json:"reason" validate:"required"`
}

// SourceRelevanceSchema is the canonical JSON Schema for SourceRelevance.
var SourceRelevanceSchema = Schema{Name: "SourceRelevance", Raw: `{
  "type": "object",
  "properties": {
    "relevance_score": {"type": "number", "minimum": 0, "maximum": 1},
    "reason": {"type": "string"}
  },
  "required": ["relevance_score", "reason"],
  "additionalProperties": false
}`}

// Claim severities when a claim is wrong.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Claim is one extracted factual claim with its verification result.
type Claim struct {
	Claim           string  `json:"claim" validate:"required"`
	Verified        bool    `json:"verified"`
	Confidence      float64 `json:"confidence" validate:"min=0,max=1"`
	SourceID        string  `json:"source_id,omitempty"`
	Category        string  `json:"category" validate:"required"`
	SeverityIfWrong string  `json:"severity_if_wrong" validate:"required,oneof=low medium high critical"`
	Notes           string  `json:"notes,omitempty"`
}

// FactCheck is the per-section fact checking contract.
type FactCheck struct {
	Claims          []Claim  `json:"claims" validate:"required,dive"`
	OverallAccuracy float64  `json:"overall_accuracy" validate:"min=0,max=1"`
	UnverifiedCount int      `json:"unverified_count" validate:"min=0"`
	CriticalIssues  []string `json:"critical_issues" validate:"required"`
	Recommendations []string `json:"recommendations" validate:"required"`
}

// FactCheckSchema is the canonical JSON Schema for FactCheck.
var FactCheckSchema = Schema{Name: "FactCheck", Raw: `{
  "type": "object",
  "properties": {
    "claims": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "claim": {"type": "string"},
          "verified": {"type": "boolean"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "source_id": {"type": "string"},
          "category": {"type": "string"},
          "severity_if_wrong": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
          "notes": {"type": "string"}
        },
        "required": ["claim", "verified", "confidence", "category", "severity_if_wrong"],
        "additionalProperties": false
      }
    },
    "overall_accuracy": {"type": "number", "minimum": 0, "maximum": 1},
    "unverified_count": {"type": "integer", "minimum": 0},
    "critical_issues": {"type": "array", "items": {"type": "string"}},
    "recommendations": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["claims", "overall_accuracy", "unverified_count", "critical_issues", "recommendations"],
  "additionalProperties": false
}`}

// OutlineEntry is one planned section in a synthesis plan.
type OutlineEntry struct {
	Title          string   `json:"title" validate:"required"`
	EstimatedWords int      `json:"estimated_words" validate:"min=50"`
	SourceIDs      []string `json:"source_ids" validate:"required"`
}

// SynthesisPlan is the contract for the outline planning stage.
type SynthesisPlan struct {
	Sections []OutlineEntry `json:"sections" validate:"required,min=1,dive"`
}

// SectionBounds returns the allowed outline length for a chapter type.
// Unknown types fall back to the widest window the analysis contract
// permits.
func SectionBounds(chapterType string) (min, max int) {
	switch chapterType {
	case ChapterTypeSurgicalDisease:
		return 80, 120
	case ChapterTypePureAnatomy:
		return 48, 80
	case ChapterTypeSurgicalTechnique:
		return 60, 100
	}
	return 1, 150
}

// SynthesisPlanSchema is the canonical JSON Schema for SynthesisPlan.
var SynthesisPlanSchema = Schema{Name: "SynthesisPlan", Raw: `{
  "type": "object",
  "properties": {
    "sections": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string"},
          "estimated_words": {"type": "integer", "minimum": 50},
          "source_ids": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["title", "estimated_words", "source_ids"],
        "additionalProperties": false
      }
    }
  },
  "required": ["sections"],
  "additionalProperties": false
}`}

// ReviewNote is one suggestion from the review pass. Suggestions are
// recorded but never applied automatically.
type ReviewNote struct {
	SectionIndex int    `json:"section_index" validate:"min=0"`
	Suggestion   string `json:"suggestion" validate:"required"`
	Rationale    string `json:"rationale,omitempty"`
}

// ReviewNotes is the contract for the review stage.
type ReviewNotes struct {
	Notes []ReviewNote `json:"notes" validate:"required,dive"`
}

// ReviewNotesSchema is the canonical JSON Schema for ReviewNotes.
var ReviewNotesSchema = Schema{Name: "ReviewNotes", Raw: `{
  "type": "object",
  "properties": {
    "notes": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "section_index": {"type": "integer", "minimum": 0},
          "suggestion": {"type": "string"},
          "rationale": {"type": "string"}
        },
        "required": ["section_index", "suggestion"],
        "additionalProperties": false
      }
    }
  },
  "required": ["notes"],
  "additionalProperties": false
}`}

// CriticalInfo reports presence of essential safety content, used by the
// gap analyzer's critical-information dimension.
type CriticalInfo struct {
	HasContraindications bool     `json:"has_contraindications"`
	HasComplications     bool     `json:"has_complications"`
	MissingTopics        []string `json:"missing_topics" validate:"required"`
}

// CriticalInfoSchema is the canonical JSON Schema for CriticalInfo.
var CriticalInfoSchema = Schema{Name: "CriticalInfo", Raw: `{
  "type": "object",
  "properties": {
    "has_contraindications": {"type": "boolean"},
    "has_complications": {"type": "boolean"},
    "missing_topics": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["has_contraindications", "has_complications", "missing_topics"],
  "additionalProperties": false
}`}

// MetadataExtraction is the generic key-value extraction contract used by
// ingestion and research filtering.
type MetadataExtraction struct {
	Fields map[string]string `json:"fields" validate:"required"`
}

// MetadataExtractionSchema is the canonical JSON Schema for MetadataExtraction.
var MetadataExtractionSchema = Schema{Name: "MetadataExtraction", Raw: `{
  "type": "object",
  "properties": {
    "fields": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "required": ["fields"],
  "additionalProperties": false
}`}

// ImageAnalysis is the vision contract consumed by document ingestion.
type ImageAnalysis struct {
	Description string   `json:"description" validate:"required"`
	Modality    string   `json:"modality,omitempty"`
	Structures  []string `json:"structures,omitempty"`
}

// ImageAnalysisSchema is the canonical JSON Schema for ImageAnalysis.
var ImageAnalysisSchema = Schema{Name: "ImageAnalysis", Raw: `{
  "type": "object",
  "properties": {
    "description": {"type": "string"},
    "modality": {"type": "string"},
    "structures": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["description"],
  "additionalProperties": false
}`}

// DimensionGap is one gap found while analyzing a single quality
// dimension.
type DimensionGap struct {
	Severity    string `json:"severity" validate:"required,oneof=low medium high critical"`
	Description string `json:"description" validate:"required"`
}

// DimensionGaps is the per-dimension gap analysis contract.
type DimensionGaps struct {
	Gaps            []DimensionGap `json:"gaps" validate:"required,dive"`
	Recommendations []string       `json:"recommendations" validate:"required"`
}

// DimensionGapsSchema is the canonical JSON Schema for DimensionGaps.
var DimensionGapsSchema = Schema{Name: "DimensionGaps", Raw: `{
  "type": "object",
  "properties": {
    "gaps": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
          "description": {"type": "string"}
        },
        "required": ["severity", "description"],
        "additionalProperties": false
      }
    },
    "recommendations": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["gaps", "recommendations"],
  "additionalProperties": false
}`}

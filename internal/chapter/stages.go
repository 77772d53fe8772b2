package chapter

// StageID names one step of the generation state machine.
type StageID string

// The canonical 14-stage order. Transitions are forward-only.
const (
	StageInputValid       StageID = "input_valid"
	StageContext          StageID = "context"
	StageResearchInternal StageID = "research_internal"
	StageResearchExternal StageID = "research_external"
	StageSynthesisPlan    StageID = "synthesis_plan"
	StageSectionGen       StageID = "section_generation"
	StageImageIntegration StageID = "image_integration"
	StageCitationBuild    StageID = "citation_build"
	StageQAScoring        StageID = "qa_scoring"
	StageFactCheck        StageID = "fact_check"
	StageFormatting       StageID = "formatting"
	StageReview           StageID = "review"
	StageGapAnalysis      StageID = "gap_analysis"
	StageFinalize         StageID = "finalize"
)

// Terminal lifecycle markers. Not stages.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Stages is the canonical ordered sequence.
var Stages = []StageID{
	StageInputValid,
	StageContext,
	StageResearchInternal,
	StageResearchExternal,
	StageSynthesisPlan,
	StageSectionGen,
	StageImageIntegration,
	StageCitationBuild,
	StageQAScoring,
	StageFactCheck,
	StageFormatting,
	StageReview,
	StageGapAnalysis,
	StageFinalize,
}

// StageIndex returns the position of a stage in the canonical order, or -1.
func StageIndex(id StageID) int {
	for i, s := range Stages {
		if s == id {
			return i
		}
	}
	return -1
}

// StageNumber is the 1-based stage number used in progress events.
func StageNumber(id StageID) int {
	return StageIndex(id) + 1
}

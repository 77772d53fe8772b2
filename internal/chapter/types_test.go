package chapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceRefSameAs(t *testing.T) {
	base := SourceRef{Origin: OriginExternalPub, ID: "pm-100", Title: "Laparoscopic Appendectomy: Outcomes"}

	t.Run("stable id wins", func(t *testing.T) {
		other := SourceRef{ID: "pm-100", Title: "Completely different title"}
		assert.True(t, base.SameAs(other, 0.92))
	})

	t.Run("normalized title match", func(t *testing.T) {
		other := SourceRef{ID: "doi:10.1/x", Title: "laparoscopic appendectomy — outcomes!"}
		assert.True(t, base.SameAs(other, 0.92))
	})

	t.Run("fuzzy embedding match", func(t *testing.T) {
		a := SourceRef{ID: "a", Title: "Alpha", Embedding: []float32{1, 0, 0, 0}}
		b := SourceRef{ID: "b", Title: "Beta", Embedding: []float32{0.99, 0.14, 0, 0}}
		assert.True(t, a.SameAs(b, 0.92))
		assert.False(t, a.SameAs(b, 0.999))
	})

	t.Run("distinct sources", func(t *testing.T) {
		other := SourceRef{ID: "pm-200", Title: "Inguinal Hernia Repair"}
		assert.False(t, base.SameAs(other, 0.92))
	})

	t.Run("empty ids never match", func(t *testing.T) {
		a := SourceRef{Title: "One"}
		b := SourceRef{Title: "Two"}
		assert.False(t, a.SameAs(b, 0.92))
	})
}

func TestStageOrdering(t *testing.T) {
	require.Len(t, Stages, 14)
	assert.Equal(t, StageInputValid, Stages[0])
	assert.Equal(t, StageFinalize, Stages[len(Stages)-1])

	assert.Equal(t, 0, StageIndex(StageInputValid))
	assert.Equal(t, 14, StageNumber(StageFinalize))
	assert.Equal(t, -1, StageIndex(StageID("bogus")))

	// Every stage id is unique.
	seen := map[StageID]bool{}
	for _, s := range Stages {
		assert.False(t, seen[s], "duplicate stage %s", s)
		seen[s] = true
	}
}

func TestStagePayloadRoundTrip(t *testing.T) {
	c := New("ch-1", "user-1", "Thyroidectomy")
	assert.Equal(t, StageInputValid, c.CurrentStage)
	assert.False(t, c.IsTerminal())

	require.NoError(t, c.SetStagePayload(StageQAScoring, QAPayload{
		Scores: QualityScores{Depth: 0.8, Coverage: 1},
	}))

	var got QAPayload
	ok, err := c.StagePayloadInto(StageQAScoring, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.8, got.Scores.Depth)

	ok, err = c.StagePayloadInto(StageReview, &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotCarriesVersion(t *testing.T) {
	c := New("ch-2", "user-1", "Splenectomy")
	c.Version = 3
	snap := c.Snapshot()
	assert.Equal(t, "ch-2", snap.ChapterID)
	assert.Equal(t, 3, snap.Version)
	assert.NotEmpty(t, snap.Content)
}

package gap

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterforge/internal/breaker"
	"chapterforge/internal/chapter"
	"chapterforge/internal/config"
	"chapterforge/internal/llmerr"
	"chapterforge/internal/provider"
	"chapterforge/internal/schema"
)

func TestDimensionScoreDeductions(t *testing.T) {
	assert.InDelta(t, 1.0, DimensionScore(nil), 1e-9)
	assert.InDelta(t, 0.85, DimensionScore([]chapter.Gap{
		{Severity: schema.SeverityCritical, Description: "missing complications section"},
	}), 1e-9)
	assert.InDelta(t, 0.86, DimensionScore([]chapter.Gap{
		{Severity: schema.SeverityHigh, Description: "a"},
		{Severity: schema.SeverityMedium, Description: "b"},
		{Severity: schema.SeverityLow, Description: "c"},
	}), 1e-9)

	// Deductions floor at zero.
	many := make([]chapter.Gap, 10)
	for i := range many {
		many[i] = chapter.Gap{Severity: schema.SeverityCritical, Description: "x"}
	}
	assert.Zero(t, DimensionScore(many))
}

// gapProvider scripts the critical-information response.
type gapProvider struct {
	info schema.CriticalInfo
	err  error
}

func (p *gapProvider) Name() string                 { return "openai" }
func (p *gapProvider) Has(provider.Capability) bool { return true }

func (p *gapProvider) Complete(ctx context.Context, req provider.TextRequest) (provider.TextResult, error) {
	return provider.TextResult{}, llmerr.New(llmerr.KindProviderTransient, "not scripted")
}

func (p *gapProvider) CompleteWithSchema(ctx context.Context, req provider.TextRequest, s provider.SchemaSpec) (provider.TextResult, error) {
	if p.err != nil {
		return provider.TextResult{}, p.err
	}
	info := p.info
	if info.MissingTopics == nil {
		info.MissingTopics = []string{}
	}
	data, _ := json.Marshal(info)
	return provider.TextResult{Text: string(data)}, nil
}

func (p *gapProvider) Embed(ctx context.Context, text, model string) (provider.EmbedResult, error) {
	return provider.EmbedResult{}, llmerr.New(llmerr.KindProviderTransient, "not scripted")
}

func (p *gapProvider) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (provider.TextResult, error) {
	return provider.TextResult{}, llmerr.New(llmerr.KindProviderTransient, "not scripted")
}

func testAnalyzer(t *testing.T, p provider.Provider) *Analyzer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.DefaultProviders()
	cfg.Chains = map[string][]string{"quality_assessment": {"openai"}}
	brk := breaker.New(rdb, config.DefaultBreaker())
	a := New(provider.NewRouter(cfg, []provider.Provider{p}, brk, nil), 0.75)
	a.yearNow = func() int { return 2026 }
	return a
}

func fullCoverage() *gapProvider {
	return &gapProvider{info: schema.CriticalInfo{
		HasContraindications: true,
		HasComplications:     true,
		MissingTopics:        []string{},
	}}
}

func testChapter(t *testing.T) *chapter.Chapter {
	t.Helper()
	c := chapter.New("ch-1", "alice", "thyroidectomy")
	c.Sections = []chapter.Section{
		{
			Index: 0, Title: "Anatomy", WordCount: 100,
			Content: "The thyroid gland sits astride the trachea; the recurrent laryngeal nerve runs in the tracheoesophageal groove.",
			Sources: []chapter.SourceRef{{ID: "doc-1", Year: 2024}},
		},
		{
			Index: 1, Title: "Technique", WordCount: 100,
			Content: "Positioning and incision for thyroidectomy follow the collar line.",
			Sources: []chapter.SourceRef{{ID: "pm-1", Year: 2023}},
		},
	}
	require.NoError(t, c.SetStagePayload(chapter.StageInputValid, chapter.InputPayload{
		Topic: "thyroidectomy",
		Analysis: schema.ChapterAnalysis{
			ChapterType:     schema.ChapterTypeSurgicalTechnique,
			PrimaryConcepts: []string{"recurrent laryngeal nerve"},
			Keywords:        []string{"thyroidectomy"},
		},
	}))
	require.NoError(t, c.SetStagePayload(chapter.StageResearchExternal, chapter.ResearchPayload{
		Sources: []chapter.SourceRef{{ID: "doc-1"}, {ID: "pm-1"}},
	}))
	return c
}

func TestAnalyzeCleanChapter(t *testing.T) {
	a := testAnalyzer(t, fullCoverage())

	report, err := a.Analyze(context.Background(), testChapter(t))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.Score, 1e-9)
	assert.False(t, report.RequiresRevision)
	require.Len(t, report.Dimensions, 5)

	var weight float64
	for _, d := range report.Dimensions {
		weight += d.Weight
	}
	assert.InDelta(t, 1.0, weight, 1e-9)
}

func TestAnalyzeMissingConceptLowersCompleteness(t *testing.T) {
	a := testAnalyzer(t, fullCoverage())
	c := testChapter(t)
	require.NoError(t, c.SetStagePayload(chapter.StageInputValid, chapter.InputPayload{
		Topic: "thyroidectomy",
		Analysis: schema.ChapterAnalysis{
			ChapterType:     schema.ChapterTypeSurgicalTechnique,
			PrimaryConcepts: []string{"recurrent laryngeal nerve", "parathyroid preservation"},
		},
	}))

	report, err := a.Analyze(context.Background(), c)
	require.NoError(t, err)
	// One of two concepts missing in a 0.50-weight dimension.
	assert.InDelta(t, 0.75, report.Score, 1e-9)
	require.NotEmpty(t, report.Gaps)
	assert.Equal(t, "content_completeness", report.Gaps[0].Dimension)
	assert.Contains(t, report.Gaps[0].Description, "parathyroid preservation")
}

func TestAnalyzeUncitedCorpusLowersSourceCoverage(t *testing.T) {
	a := testAnalyzer(t, fullCoverage())
	c := testChapter(t)
	require.NoError(t, c.SetStagePayload(chapter.StageResearchExternal, chapter.ResearchPayload{
		Sources: []chapter.SourceRef{
			{ID: "doc-1"}, {ID: "pm-1"}, {ID: "pm-2"}, {ID: "pm-3"}, {ID: "pm-4"},
		},
	}))

	report, err := a.Analyze(context.Background(), c)
	require.NoError(t, err)
	// Two of five corpus sources cited in a 0.20-weight dimension.
	assert.InDelta(t, 1-0.2*0.6, report.Score, 1e-9)
	var found bool
	for _, g := range report.Gaps {
		if g.Dimension == "source_coverage" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAnalyzeStaleCitationsLowerTemporalCoverage(t *testing.T) {
	a := testAnalyzer(t, fullCoverage())
	c := testChapter(t)
	for i := range c.Sections {
		for j := range c.Sections[i].Sources {
			c.Sections[i].Sources[j].Year = 2000
		}
	}

	report, err := a.Analyze(context.Background(), c)
	require.NoError(t, err)
	assert.InDelta(t, 0.90, report.Score, 1e-9)
	assert.False(t, report.RequiresRevision)
	var found bool
	for _, g := range report.Gaps {
		if g.Dimension == "temporal_coverage" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAnalyzeCriticalInfoForcesRevision(t *testing.T) {
	a := testAnalyzer(t, &gapProvider{info: schema.CriticalInfo{
		HasContraindications: false,
		HasComplications:     true,
		MissingTopics:        []string{},
	}})

	report, err := a.Analyze(context.Background(), testChapter(t))
	require.NoError(t, err)
	// One critical gap in a 0.05-weight dimension barely moves the
	// score but still forces revision.
	assert.InDelta(t, 1-0.05*0.15, report.Score, 1e-9)
	assert.True(t, report.RequiresRevision)
}

func TestAnalyzeFailSoftCriticalInfo(t *testing.T) {
	a := testAnalyzer(t, &gapProvider{err: llmerr.New(llmerr.KindProviderTransient, "down")})

	report, err := a.Analyze(context.Background(), testChapter(t))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.Score, 1e-9)
	assert.False(t, report.RequiresRevision)
	assert.NotEmpty(t, report.Recommendations)
}

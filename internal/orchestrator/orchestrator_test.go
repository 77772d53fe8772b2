package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterforge/internal/breaker"
	"chapterforge/internal/chapter"
	"chapterforge/internal/checkpoint"
	"chapterforge/internal/config"
	"chapterforge/internal/dlq"
	"chapterforge/internal/llmerr"
	"chapterforge/internal/provider"
	"chapterforge/internal/store"
	"chapterforge/internal/stream"
)

// stubProvider returns canned JSON per schema name and counted prose for
// plain completions. Safe for concurrent section generation. bodies
// overrides individual schema responses; failSchemas forces transient
// errors for the named schemas.
type stubProvider struct {
	mu            sync.Mutex
	completeCalls int
	schemaCalls   map[string]int
	bodies        map[string]string
	failSchemas   map[string]bool
}

// planSections is the outline length the stub plan carries; the
// smallest count a surgical_disease chapter accepts.
const planSections = 80

// planBody builds a synthesis plan with n sections. The first two are
// wired to the stub corpus; the rest reuse the internal document.
func planBody(n int) string {
	var b strings.Builder
	b.WriteString(`{"sections": [`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		switch i {
		case 0:
			b.WriteString(`{"title": "Anatomy and Pathophysiology", "estimated_words": 120, "source_ids": ["doc-1"]}`)
		case 1:
			b.WriteString(`{"title": "Operative Management", "estimated_words": 120, "source_ids": ["pm-1"]}`)
		default:
			fmt.Fprintf(&b, `{"title": "Clinical Topic %02d", "estimated_words": 120, "source_ids": ["doc-1"]}`, i)
		}
	}
	b.WriteString("]}")
	return b.String()
}

var schemaBodies = map[string]string{
	"ChapterAnalysis": `{
		"primary_concepts": ["acute appendicitis"],
		"chapter_type": "surgical_disease",
		"keywords": ["appendicitis", "appendectomy", "right iliac fossa"],
		"complexity": "intermediate",
		"estimated_section_count": 80
	}`,
	"ResearchContext": `{
		"vector_queries": ["acute appendicitis management"],
		"external_queries": ["appendicitis laparoscopic appendectomy"],
		"research_gaps": ["long-term outcomes after conservative management"],
		"key_references": [{"title": "WSES Jerusalem guidelines"}],
		"content_categories": {"anatomy": ["appendix"]},
		"confidence_assessment": {"overall_confidence": 0.85}
	}`,
	"SynthesisPlan": planBody(planSections),
	"ReviewNotes": `{
		"notes": [{"section_index": 0, "suggestion": "tighten the opening paragraph"}]
	}`,
}

func (p *stubProvider) Name() string                   { return "anthropic" }
func (p *stubProvider) Has(c provider.Capability) bool { return true }

func (p *stubProvider) Complete(ctx context.Context, req provider.TextRequest) (provider.TextResult, error) {
	p.mu.Lock()
	p.completeCalls++
	n := p.completeCalls
	p.mu.Unlock()
	return provider.TextResult{
		Text:  fmt.Sprintf("Clinical prose describing the operative approach in measured detail (draft %d).", n),
		Usage: provider.Usage{TokensIn: 100, TokensOut: 200},
	}, nil
}

func (p *stubProvider) CompleteWithSchema(ctx context.Context, req provider.TextRequest, spec provider.SchemaSpec) (provider.TextResult, error) {
	p.mu.Lock()
	if p.schemaCalls == nil {
		p.schemaCalls = map[string]int{}
	}
	p.schemaCalls[spec.Name]++
	p.mu.Unlock()
	if p.failSchemas[spec.Name] {
		return provider.TextResult{}, llmerr.New(llmerr.KindProviderTransient, "model overloaded")
	}
	body, ok := p.bodies[spec.Name]
	if !ok {
		body, ok = schemaBodies[spec.Name]
	}
	if !ok {
		return provider.TextResult{}, llmerr.New(llmerr.KindProviderTransient, "no canned body for %s", spec.Name)
	}
	return provider.TextResult{Text: body, Usage: provider.Usage{TokensIn: 100, TokensOut: 200}}, nil
}

func (p *stubProvider) Embed(ctx context.Context, text, model string) (provider.EmbedResult, error) {
	return provider.EmbedResult{Vector: []float32{1, 0, 0, 0}, Tokens: 10}, nil
}

func (p *stubProvider) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (provider.TextResult, error) {
	return provider.TextResult{Text: "a figure", Usage: provider.Usage{TokensIn: 50, TokensOut: 20}}, nil
}

func (p *stubProvider) schemaCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schemaCalls[name]
}

type stubInternal struct {
	mu       sync.Mutex
	calls    int
	failures int
	refs     []chapter.SourceRef
}

func (s *stubInternal) Search(ctx context.Context, queries []string) ([]chapter.SourceRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, llmerr.New(llmerr.KindProviderTransient, "vector search unavailable")
	}
	return s.refs, nil
}

type stubExternal struct {
	refs []chapter.SourceRef
}

func (s *stubExternal) Search(ctx context.Context, query string, limit int) ([]chapter.SourceRef, error) {
	return s.refs, nil
}

type passRelevance struct{}

func (passRelevance) Filter(ctx context.Context, topic string, sources []chapter.SourceRef) ([]chapter.SourceRef, error) {
	return sources, nil
}

type stubFactChecker struct {
	verdict chapter.FactCheckVerdict
	started chan struct{}
	block   bool
}

func (f *stubFactChecker) CheckChapter(ctx context.Context, sections []chapter.Section) (chapter.FactCheckVerdict, error) {
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	if f.block {
		<-ctx.Done()
		return chapter.FactCheckVerdict{}, ctx.Err()
	}
	return f.verdict, nil
}

type stubGap struct {
	mu     sync.Mutex
	report chapter.GapAnalysisPayload
	err    error
}

func (g *stubGap) Analyze(ctx context.Context, c *chapter.Chapter) (chapter.GapAnalysisPayload, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return chapter.GapAnalysisPayload{}, g.err
	}
	return g.report, nil
}

func (g *stubGap) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

type recordBus struct {
	mu     sync.Mutex
	events []stream.Event
}

func (b *recordBus) Publish(ev stream.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordBus) byType(t stream.EventType) []stream.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []stream.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type env struct {
	orch     *Orchestrator
	store    *store.Store
	rdb      *redis.Client
	dlq      *dlq.Queue
	bus      *recordBus
	prov     *stubProvider
	internal *stubInternal
	external *stubExternal
	fact     *stubFactChecker
	gap      *stubGap
	gen      config.GenerationConfig
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "chapters.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	prov := &stubProvider{}
	cfg := config.DefaultProviders()
	cfg.Chains = map[string][]string{
		"metadata_extraction": {"anthropic"},
		"research_planning":   {"anthropic"},
		"content_generation":  {"anthropic"},
		"review":              {"anthropic"},
	}
	router := provider.NewRouter(cfg, []provider.Provider{prov},
		breaker.New(rdb, config.DefaultBreaker()), nil)

	e := &env{
		store: st,
		rdb:   rdb,
		dlq:   dlq.New(rdb),
		bus:   &recordBus{},
		prov:  prov,
		internal: &stubInternal{refs: []chapter.SourceRef{{
			Origin: chapter.OriginInternalDoc, ID: "doc-1",
			Title: "Appendiceal anatomy", Year: 2021, RelevanceScore: 0.9,
		}}},
		external: &stubExternal{refs: []chapter.SourceRef{{
			Origin: chapter.OriginExternalPub, ID: "pm-1",
			Title: "Laparoscopic appendectomy outcomes", Year: 2023, RelevanceScore: 0.8,
		}}},
		fact: &stubFactChecker{verdict: chapter.FactCheckVerdict{Passed: true, OverallAccuracy: 0.95}},
		gap: &stubGap{report: chapter.GapAnalysisPayload{
			Score: 0.9, RequiresRevision: false,
		}},
	}

	e.gen = config.DefaultGeneration()
	e.gen.SectionBatchSize = 2
	e.gen.TargetSectionWords = 10
	e.gen.StageTimeout = time.Minute
	e.rebuild(router)
	return e
}

func (e *env) rebuild(router *provider.Router) {
	o := New(Deps{
		Store:       e.store,
		Router:      router,
		Redis:       e.rdb,
		DLQ:         e.dlq,
		Bus:         e.bus,
		Internal:    e.internal,
		External:    e.external,
		Relevance:   passRelevance{},
		FactChecker: e.fact,
		GapAnalyzer: e.gap,
	}, e.gen, config.DefaultResearch(), config.DefaultCheckpoint())
	o.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	e.orch = o
}

func (e *env) newChapter(t *testing.T, topic string) string {
	t.Helper()
	c := chapter.New("ch-"+t.Name(), "user-1", topic)
	require.NoError(t, e.store.CreateChapter(context.Background(), c))
	return c.ID
}

func TestPipelineHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.newChapter(t, "Acute appendicitis")

	require.NoError(t, e.orch.Resume(ctx, id))

	c, err := e.store.GetChapter(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, chapter.StatusCompleted, c.Terminal)
	assert.Equal(t, "Acute appendicitis", c.Title)
	require.Len(t, c.Sections, planSections)
	assert.Equal(t, "Anatomy and Pathophysiology", c.Sections[0].Title)
	assert.NotEmpty(t, c.Sections[0].Content)
	assert.Greater(t, c.TotalCostUSD, 0.0)
	assert.Greater(t, c.Version, 0)

	// Topic analysis lands with input validation.
	var ip chapter.InputPayload
	ok, err := c.StagePayloadInto(chapter.StageInputValid, &ip)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "surgical_disease", ip.Analysis.ChapterType)

	// Each section inherited the planned source assignment.
	require.Len(t, c.Sections[0].Sources, 1)
	assert.Equal(t, "doc-1", c.Sections[0].Sources[0].ID)

	// Deterministic quality scalars: every section is at target depth,
	// every planned section exists, and citation density clears ten per
	// thousand words. Currency follows the mean citation age.
	assert.InDelta(t, 1.0, c.Quality.Depth, 1e-9)
	assert.InDelta(t, 1.0, c.Quality.Coverage, 1e-9)
	assert.InDelta(t, 1.0, c.Quality.Evidence, 1e-9)
	year := time.Now().Year()
	meanAge := (float64(planSections-1)*float64(year-2021) + float64(year-2023)) / float64(planSections)
	assert.InDelta(t, 1-0.05*meanAge, c.Quality.Currency, 1e-9)

	require.NotNil(t, c.FactCheck)
	assert.True(t, c.FactCheck.Passed)
	assert.InDelta(t, 0.9, c.Completeness, 1e-9)
	assert.False(t, c.RequiresRevision)

	// Every stage left a payload behind.
	for _, stage := range chapter.Stages {
		_, ok := c.StagePayloads[stage]
		assert.True(t, ok, "missing payload for stage %s", stage)
	}

	assert.Len(t, e.bus.byType(stream.EventStageStart), len(chapter.Stages))
	assert.Len(t, e.bus.byType(stream.EventStageComplete), len(chapter.Stages))
	assert.Len(t, e.bus.byType(stream.EventChapterComplete), 1)

	ready := e.bus.byType(stream.EventSectionReady)
	require.Len(t, ready, planSections)
	var first map[string]any
	require.NoError(t, json.Unmarshal(ready[0].Payload, &first))
	assert.EqualValues(t, 1, first["section_number"])
	assert.Equal(t, "Anatomy and Pathophysiology", first["section_title"])
	assert.NotEmpty(t, first["section_content"])
	assert.EqualValues(t, planSections, first["total_sections"])
	assert.InDelta(t, 100.0/planSections, first["progress_percent"].(float64), 1e-9)

	// Checkpoints are cleared on completion.
	ck := checkpoint.For(e.rdb, "chapter:"+id, config.DefaultCheckpoint().TTL)
	done, err := ck.IsStepComplete(ctx, string(chapter.StageFinalize))
	require.NoError(t, err)
	assert.False(t, done)

	// A completed chapter cannot re-enter the pipeline.
	err = e.orch.Resume(ctx, id)
	require.Error(t, err)
	kind, _ := llmerr.KindOf(err)
	assert.Equal(t, llmerr.KindInvalidInput, kind)
}

func TestStartRejectsInvalidInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := []StartRequest{
		{Owner: "", Topic: "Acute appendicitis"},
		{Owner: "user-1", Topic: "ab"},
		{Owner: "user-1", Topic: strings.Repeat("x", maxTopicLen+1)},
	}
	for _, req := range cases {
		_, err := e.orch.Start(ctx, req)
		require.Error(t, err)
		kind, ok := llmerr.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, llmerr.KindInvalidInput, kind)
	}
}

func TestStageRetriesTransientErrors(t *testing.T) {
	e := newEnv(t)
	e.internal.failures = 2 // two transient failures, third call succeeds
	ctx := context.Background()
	id := e.newChapter(t, "Acute appendicitis")

	require.NoError(t, e.orch.Resume(ctx, id))
	assert.Equal(t, 3, e.internal.calls)

	c, err := e.store.GetChapter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, chapter.StatusCompleted, c.Terminal)
}

func TestEmptyCorpusStillCompletes(t *testing.T) {
	e := newEnv(t)
	e.internal.refs = nil
	e.external.refs = nil
	ctx := context.Background()
	id := e.newChapter(t, "Acute appendicitis")

	require.NoError(t, e.orch.Resume(ctx, id))

	c, err := e.store.GetChapter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, chapter.StatusCompleted, c.Terminal)
	require.Len(t, c.Sections, planSections)
	assert.Empty(t, c.Sections[0].Sources)
	assert.Zero(t, c.Quality.Evidence)
	assert.Zero(t, c.Quality.Currency)
}

func TestFailureDeadLettersAndResumeSkipsCompletedStages(t *testing.T) {
	e := newEnv(t)
	e.gap.setErr(llmerr.New(llmerr.KindStore, "gap persistence broken"))
	ctx := context.Background()
	id := e.newChapter(t, "Acute appendicitis")

	err := e.orch.Resume(ctx, id)
	require.Error(t, err)

	c, err := e.store.GetChapter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, chapter.StatusFailed, c.Terminal)

	entries, err := e.dlq.List(ctx, dlq.Filters{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chapter_generation", entries[0].TaskName)
	assert.Equal(t, id, entries[0].TaskID)
	assert.Equal(t, string(llmerr.KindStore), entries[0].ErrorKind)
	assert.Equal(t, string(chapter.StageGapAnalysis), entries[0].Metadata["stage"])
	assert.NotEmpty(t, entries[0].Stacktrace)

	planningCalls := e.prov.schemaCount("SynthesisPlan")
	sectionDrafts := e.prov.completeCalls

	// Clear the fault and resume the failed chapter directly, the way a
	// dead-letter retry does. Earlier stages are checkpointed and must
	// not re-run.
	e.gap.setErr(nil)
	require.NoError(t, e.orch.Resume(ctx, id))

	c, err = e.store.GetChapter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, chapter.StatusCompleted, c.Terminal)
	assert.Equal(t, planningCalls, e.prov.schemaCount("SynthesisPlan"))
	assert.Equal(t, sectionDrafts, e.prov.completeCalls)
}

func TestBlockOnFactCheckFailure(t *testing.T) {
	e := newEnv(t)
	e.fact.verdict = chapter.FactCheckVerdict{Passed: false, OverallAccuracy: 0.6}
	ctx := context.Background()

	t.Run("advisory by default", func(t *testing.T) {
		id := e.newChapter(t, "Acute appendicitis advisory")
		require.NoError(t, e.orch.Resume(ctx, id))

		c, err := e.store.GetChapter(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, chapter.StatusCompleted, c.Terminal)
		require.NotNil(t, c.FactCheck)
		assert.False(t, c.FactCheck.Passed)
	})

	t.Run("blocking when configured", func(t *testing.T) {
		e.gen.BlockOnFactCheckFailure = true
		e.rebuild(e.orch.deps.Router)
		id := e.newChapter(t, "Acute appendicitis blocking")

		err := e.orch.Resume(ctx, id)
		require.Error(t, err)
		kind, _ := llmerr.KindOf(err)
		assert.Equal(t, llmerr.KindIntegrity, kind)

		c, gerr := e.store.GetChapter(ctx, id)
		require.NoError(t, gerr)
		assert.Equal(t, chapter.StatusFailed, c.Terminal)
	})
}

func TestCancelMarksCancelledWithoutDeadLetter(t *testing.T) {
	e := newEnv(t)
	started := make(chan struct{})
	e.fact.started = started
	e.fact.block = true
	ctx := context.Background()

	id, err := e.orch.Start(ctx, StartRequest{Owner: "user-1", Topic: "Acute appendicitis"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("fact check never started")
	}
	require.True(t, e.orch.Cancel(id))

	require.Eventually(t, func() bool {
		c, err := e.store.GetChapter(ctx, id)
		return err == nil && c != nil && c.Terminal == chapter.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	failed := e.bus.byType(stream.EventChapterFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, string(failed[0].Payload), string(llmerr.KindCancelled))

	entries, err := e.dlq.List(ctx, dlq.Filters{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRegenerateSection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.newChapter(t, "Acute appendicitis")
	require.NoError(t, e.orch.Resume(ctx, id))

	before, err := e.store.GetChapter(ctx, id)
	require.NoError(t, err)

	require.NoError(t, e.orch.RegenerateSection(ctx, id, 0, RegenerateOptions{}))

	after, err := e.store.GetChapter(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, before.Sections[0].Content, after.Sections[0].Content)
	assert.Equal(t, before.Sections[1].Content, after.Sections[1].Content)
	assert.Greater(t, after.Version, before.Version)
	assert.Greater(t, after.TotalCostUSD, before.TotalCostUSD)

	err = e.orch.RegenerateSection(ctx, id, len(after.Sections)+1, RegenerateOptions{})
	require.Error(t, err)
	kind, _ := llmerr.KindOf(err)
	assert.Equal(t, llmerr.KindInvalidInput, kind)
}

func TestRegenerateSectionWithAddedSources(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.newChapter(t, "Acute appendicitis")
	require.NoError(t, e.orch.Resume(ctx, id))

	require.NoError(t, e.orch.RegenerateSection(ctx, id, 0, RegenerateOptions{
		AddedSources: []chapter.SourceRef{{
			Origin: chapter.OriginExternalPub, ID: "pm-9",
			Title: "Antibiotic-first management of appendicitis", Year: 2025,
		}},
		Instructions: "emphasize nonoperative management",
	}))

	after, err := e.store.GetChapter(ctx, id)
	require.NoError(t, err)
	require.Len(t, after.Sections[0].Sources, 2)
	assert.Equal(t, "pm-9", after.Sections[0].Sources[1].ID)
	// The other sections keep their planned sources.
	require.Len(t, after.Sections[1].Sources, 1)
	assert.Equal(t, "pm-1", after.Sections[1].Sources[0].ID)
}

func TestTransientExhaustionDeadLetters(t *testing.T) {
	e := newEnv(t)
	e.prov.failSchemas = map[string]bool{"ChapterAnalysis": true}
	ctx := context.Background()
	id := e.newChapter(t, "Acute appendicitis")

	err := e.orch.Resume(ctx, id)
	require.Error(t, err)
	assert.True(t, llmerr.Is(err, llmerr.KindProviderTransient))

	c, gerr := e.store.GetChapter(ctx, id)
	require.NoError(t, gerr)
	assert.Equal(t, chapter.StatusFailed, c.Terminal)

	// The transient class survives routing exhaustion, so the failure is
	// archived for retry.
	entries, lerr := e.dlq.List(ctx, dlq.Filters{})
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].TaskID)
	assert.Equal(t, string(llmerr.KindProviderTransient), entries[0].ErrorKind)
}

func TestSynthesisPlanOutlineBounds(t *testing.T) {
	e := newEnv(t)
	// Far too short for a surgical_disease chapter.
	e.prov.bodies = map[string]string{"SynthesisPlan": planBody(5)}
	ctx := context.Background()
	id := e.newChapter(t, "Acute appendicitis")

	err := e.orch.Resume(ctx, id)
	require.Error(t, err)
	assert.True(t, llmerr.Is(err, llmerr.KindProviderSchema))
	assert.Contains(t, err.Error(), "outside [80, 120]")

	c, gerr := e.store.GetChapter(ctx, id)
	require.NoError(t, gerr)
	assert.Equal(t, chapter.StatusFailed, c.Terminal)
}

func TestQAScoringClosedForms(t *testing.T) {
	e := newEnv(t)
	e.gen.TargetSectionWords = 1000
	e.rebuild(e.orch.deps.Router)

	year := time.Now().Year()
	var stale []chapter.SourceRef
	for i := 0; i < 20; i++ {
		stale = append(stale, chapter.SourceRef{
			Origin: chapter.OriginExternalPub,
			ID:     fmt.Sprintf("pm-%d", i),
			Year:   year - 6,
		})
	}
	c := chapter.New("ch-qa", "user-1", "Acute appendicitis")
	c.Sections = []chapter.Section{
		{Index: 0, Title: "Anatomy", WordCount: 1000, Sources: stale},
		{Index: 1, Title: "Technique", WordCount: 1000},
	}

	rt := &runtime{orch: e.orch, chapter: c}
	require.NoError(t, rt.stageQAScoring(context.Background()))

	// 20 citations over 2000 words is exactly ten per thousand.
	assert.InDelta(t, 1.0, c.Quality.Evidence, 1e-9)
	// Every dated citation is six years old.
	assert.InDelta(t, 0.7, c.Quality.Currency, 1e-9)
	assert.InDelta(t, 1.0, c.Quality.Depth, 1e-9)
	assert.InDelta(t, 1.0, c.Quality.Coverage, 1e-9)
}

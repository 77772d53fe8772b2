package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chapterforge/internal/chapter"
	"chapterforge/internal/checkpoint"
	"chapterforge/internal/llmerr"
	"chapterforge/internal/provider"
	"chapterforge/internal/research"
	"chapterforge/internal/schema"
	"chapterforge/internal/stream"
)

// runtime carries the per-run state shared by stage bodies.
type runtime struct {
	orch     *Orchestrator
	chapter  *chapter.Chapter
	ck       *checkpoint.Service
	router   *provider.Router
	tracker  *provider.UsageTracker
	baseCost float64
}

func (rt *runtime) execute(ctx context.Context, stage chapter.StageID) error {
	switch stage {
	case chapter.StageInputValid:
		return rt.stageInputValid(ctx)
	case chapter.StageContext:
		return rt.stageContext(ctx)
	case chapter.StageResearchInternal:
		return rt.stageResearchInternal(ctx)
	case chapter.StageResearchExternal:
		return rt.stageResearchExternal(ctx)
	case chapter.StageSynthesisPlan:
		return rt.stageSynthesisPlan(ctx)
	case chapter.StageSectionGen:
		return rt.stageSectionGen(ctx)
	case chapter.StageImageIntegration:
		return rt.stageImageIntegration(ctx)
	case chapter.StageCitationBuild:
		return rt.stageCitationBuild(ctx)
	case chapter.StageQAScoring:
		return rt.stageQAScoring(ctx)
	case chapter.StageFactCheck:
		return rt.stageFactCheck(ctx)
	case chapter.StageFormatting:
		return rt.stageFormatting(ctx)
	case chapter.StageReview:
		return rt.stageReview(ctx)
	case chapter.StageGapAnalysis:
		return rt.stageGapAnalysis(ctx)
	case chapter.StageFinalize:
		return rt.stageFinalize(ctx)
	}
	return llmerr.New(llmerr.KindIntegrity, "unknown stage %s", stage)
}

func (rt *runtime) stageInputValid(ctx context.Context) error {
	c := rt.chapter
	topic := strings.TrimSpace(c.Topic)
	if len(topic) < minTopicLen || len(topic) > maxTopicLen {
		return llmerr.New(llmerr.KindInvalidInput,
			"topic length %d outside [%d, %d]", len(topic), minTopicLen, maxTopicLen)
	}

	analysis, err := provider.GenerateObject[schema.ChapterAnalysis](ctx, rt.router,
		provider.TaskMetadataExtraction, provider.TextRequest{
			SystemPrompt: "You analyze a surgical textbook chapter topic. Respond with JSON only.",
			Prompt:       fmt.Sprintf("Analyze the chapter topic: %s", topic),
			Temperature:  0.2,
			MaxTokens:    2000,
		}, schema.ChapterAnalysisSchema)
	if err != nil {
		return err
	}

	if c.Title == "" {
		c.Title = topic
	}
	c.Tags = analysis.Data.Keywords
	return c.SetStagePayload(chapter.StageInputValid, chapter.InputPayload{
		Topic:    topic,
		Analysis: analysis.Data,
	})
}

func (rt *runtime) analysis() (chapter.InputPayload, error) {
	var ip chapter.InputPayload
	ok, err := rt.chapter.StagePayloadInto(chapter.StageInputValid, &ip)
	if err != nil {
		return ip, llmerr.Wrap(llmerr.KindIntegrity, err, "corrupt input payload")
	}
	if !ok {
		return ip, llmerr.New(llmerr.KindIntegrity, "input stage has no payload")
	}
	return ip, nil
}

func (rt *runtime) stageContext(ctx context.Context) error {
	c := rt.chapter
	ip, err := rt.analysis()
	if err != nil {
		return err
	}

	plan, err := provider.GenerateObject[schema.ResearchContext](ctx, rt.router,
		provider.TaskResearchPlanning, provider.TextRequest{
			SystemPrompt: "You plan the research strategy for a surgical textbook chapter. Respond with JSON only.",
			Prompt: fmt.Sprintf(
				"Topic: %s\nChapter type: %s\nPrimary concepts: %s\n\nProduce vector search queries, external literature queries, and expected research gaps.",
				c.Topic, ip.Analysis.ChapterType, strings.Join(ip.Analysis.PrimaryConcepts, ", ")),
			MaxTokens: 3000,
		}, schema.ResearchContextSchema)
	if err != nil {
		return err
	}
	return c.SetStagePayload(chapter.StageContext, chapter.ContextPayload{Research: plan.Data})
}

func (rt *runtime) contextPayload() (chapter.ContextPayload, error) {
	var cp chapter.ContextPayload
	ok, err := rt.chapter.StagePayloadInto(chapter.StageContext, &cp)
	if err != nil {
		return cp, llmerr.Wrap(llmerr.KindIntegrity, err, "corrupt context payload")
	}
	if !ok {
		return cp, llmerr.New(llmerr.KindIntegrity, "context stage has no payload")
	}
	return cp, nil
}

func (rt *runtime) stageResearchInternal(ctx context.Context) error {
	cp, err := rt.contextPayload()
	if err != nil {
		return err
	}
	sources, err := rt.orch.deps.Internal.Search(ctx, cp.Research.VectorQueries)
	if err != nil {
		return err
	}
	// An empty corpus is a valid outcome; external research may still
	// supply sources.
	return rt.chapter.SetStagePayload(chapter.StageResearchInternal,
		chapter.ResearchPayload{Sources: sources})
}

func (rt *runtime) stageResearchExternal(ctx context.Context) error {
	cp, err := rt.contextPayload()
	if err != nil {
		return err
	}
	var internal chapter.ResearchPayload
	if _, err := rt.chapter.StagePayloadInto(chapter.StageResearchInternal, &internal); err != nil {
		return llmerr.Wrap(llmerr.KindIntegrity, err, "corrupt internal research payload")
	}

	var external []chapter.SourceRef
	for _, q := range cp.Research.ExternalQueries {
		refs, err := rt.orch.deps.External.Search(ctx, q, rt.orch.res.TopKPerQuery)
		if err != nil {
			return err
		}
		external = append(external, refs...)
	}

	filtered, err := rt.orch.deps.Relevance.Filter(ctx, rt.chapter.Topic, external)
	if err != nil {
		return err
	}

	combined := research.Dedup(append(internal.Sources, filtered...), rt.orch.res.FuzzyDedupThreshold)
	return rt.chapter.SetStagePayload(chapter.StageResearchExternal,
		chapter.ResearchPayload{Sources: combined})
}

// corpus returns the merged research corpus built by the external stage.
func (rt *runtime) corpus() ([]chapter.SourceRef, error) {
	var merged chapter.ResearchPayload
	ok, err := rt.chapter.StagePayloadInto(chapter.StageResearchExternal, &merged)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindIntegrity, err, "corrupt research payload")
	}
	if !ok {
		return nil, llmerr.New(llmerr.KindIntegrity, "research stages have no payload")
	}
	return merged.Sources, nil
}

func (rt *runtime) stageSynthesisPlan(ctx context.Context) error {
	ip, err := rt.analysis()
	if err != nil {
		return err
	}
	sources, err := rt.corpus()
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nChapter type: %s\nTarget sections: about %d\n\nAvailable sources:\n",
		rt.chapter.Topic, ip.Analysis.ChapterType, ip.Analysis.EstimatedSectionCount)
	if len(sources) == 0 {
		b.WriteString("(none; plan from general knowledge and flag evidence gaps)\n")
	}
	for _, src := range sources {
		fmt.Fprintf(&b, "- [%s] %s\n", src.ID, src.Title)
	}

	plan, err := provider.GenerateObject[schema.SynthesisPlan](ctx, rt.router,
		provider.TaskContentGeneration, provider.TextRequest{
			SystemPrompt: "You outline a surgical textbook chapter, assigning sources to each section. Respond with JSON only.",
			Prompt:       b.String(),
			MaxTokens:    4000,
		}, schema.SynthesisPlanSchema)
	if err != nil {
		return err
	}

	min, max := schema.SectionBounds(ip.Analysis.ChapterType)
	if n := len(plan.Data.Sections); n < min || n > max {
		return llmerr.New(llmerr.KindProviderSchema,
			"synthesis plan has %d sections, outside [%d, %d] for chapter type %s",
			n, min, max, ip.Analysis.ChapterType)
	}
	return rt.chapter.SetStagePayload(chapter.StageSynthesisPlan, plan.Data)
}

func (rt *runtime) plan() (schema.SynthesisPlan, error) {
	var plan schema.SynthesisPlan
	ok, err := rt.chapter.StagePayloadInto(chapter.StageSynthesisPlan, &plan)
	if err != nil {
		return plan, llmerr.Wrap(llmerr.KindIntegrity, err, "corrupt synthesis plan")
	}
	if !ok {
		return plan, llmerr.New(llmerr.KindIntegrity, "synthesis stage has no payload")
	}
	return plan, nil
}

func (rt *runtime) stageSectionGen(ctx context.Context) error {
	plan, err := rt.plan()
	if err != nil {
		return err
	}
	sources, err := rt.corpus()
	if err != nil {
		return err
	}
	byID := map[string]chapter.SourceRef{}
	for _, src := range sources {
		byID[src.ID] = src
	}

	c := rt.chapter
	if len(c.Sections) < len(plan.Sections) {
		c.Sections = append(c.Sections, make([]chapter.Section, len(plan.Sections)-len(c.Sections))...)
	}

	batch := rt.orch.gen.SectionBatchSize
	if !rt.orch.gen.ParallelSections || batch < 1 {
		batch = 1
	}

	generated := 0
	for start := 0; start < len(plan.Sections); start += batch {
		end := start + batch
		if end > len(plan.Sections) {
			end = len(plan.Sections)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			done, err := rt.ck.IsStepComplete(ctx, sectionStep(i))
			if err == nil && done && c.Sections[i].Content != "" {
				continue
			}
			entry := plan.Sections[i]
			g.Go(func() error {
				sec, err := rt.generateSection(gctx, i, entry, byID, RegenerateOptions{})
				if err != nil {
					return err
				}
				c.Sections[i] = sec
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		// Persist in outline order after every batch so a crash loses at
		// most one batch.
		c.TotalCostUSD = rt.baseCost + rt.tracker.Total().CostUSD
		if err := rt.orch.deps.Store.SaveChapter(ctx, c); err != nil {
			return err
		}
		for i := start; i < end; i++ {
			if err := rt.ck.MarkStepComplete(ctx, sectionStep(i), map[string]any{
				"title": c.Sections[i].Title,
			}); err != nil {
				rt.orch.log.Warn("failed to checkpoint section",
					zap.String("chapter", c.ID), zap.Int("section", i), zap.Error(err))
			}
			rt.publishSectionReady(c.ID, c.Sections[i], len(plan.Sections))
			generated++
		}
	}

	return c.SetStagePayload(chapter.StageSectionGen, chapter.SectionGenPayload{
		PlannedSections: len(plan.Sections),
		Generated:       generated,
		CostUSD:         rt.tracker.Total().CostUSD,
	})
}

func sectionStep(i int) string { return fmt.Sprintf("section:%d", i) }

func (rt *runtime) generateSection(ctx context.Context, index int, entry schema.OutlineEntry, byID map[string]chapter.SourceRef, opts RegenerateOptions) (chapter.Section, error) {
	var refs []chapter.SourceRef
	var b strings.Builder
	fmt.Fprintf(&b, "Write the section %q of a surgical textbook chapter on %q, around %d words.\n\nSources:\n",
		entry.Title, rt.chapter.Topic, entry.EstimatedWords)
	for _, id := range entry.SourceIDs {
		src, ok := byID[id]
		if !ok {
			continue
		}
		refs = append(refs, src)
		fmt.Fprintf(&b, "- [%s] %s: %s\n", src.ID, src.Title, src.Abstract)
	}
	for _, src := range opts.AddedSources {
		refs = append(refs, src)
		fmt.Fprintf(&b, "- [%s] %s: %s\n", src.ID, src.Title, src.Abstract)
	}
	if len(refs) == 0 {
		b.WriteString("(no sources assigned; write from established surgical knowledge)\n")
	}
	if opts.Instructions != "" {
		fmt.Fprintf(&b, "\nAdditional instructions: %s\n", opts.Instructions)
	}

	out, err := rt.router.GenerateText(ctx, provider.TaskContentGeneration, provider.TextRequest{
		SystemPrompt: "You are a surgical textbook author. Write precise clinical prose and cite sources inline as [id].",
		Prompt:       b.String(),
		MaxTokens:    4000,
	})
	if err != nil {
		return chapter.Section{}, err
	}
	return chapter.Section{
		Index:       index,
		Title:       entry.Title,
		Content:     out.Text,
		Sources:     refs,
		WordCount:   len(strings.Fields(out.Text)),
		CostUSD:     out.CostUSD,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (rt *runtime) publishSectionReady(chapterID string, sec chapter.Section, total int) {
	progress := 0.0
	if total > 0 {
		progress = float64(sec.Index+1) / float64(total) * 100
	}
	payload, err := json.Marshal(map[string]any{
		"section_number":   sec.Index + 1,
		"section_title":    sec.Title,
		"section_content":  sec.Content,
		"word_count":       sec.WordCount,
		"total_sections":   total,
		"progress_percent": progress,
	})
	if err != nil {
		return
	}
	rt.orch.deps.Bus.Publish(stream.Event{
		Type:        stream.EventSectionReady,
		ChapterID:   chapterID,
		Stage:       string(chapter.StageSectionGen),
		StageNumber: chapter.StageNumber(chapter.StageSectionGen),
		TotalStages: len(chapter.Stages),
		Payload:     payload,
	})
}

// stageImageIntegration places ingested figures into sections by source
// membership: a section may carry images from documents it cites.
// Deterministic, no model calls.
func (rt *runtime) stageImageIntegration(ctx context.Context) error {
	c := rt.chapter
	var placements []chapter.ImagePlacement
	seen := map[string]bool{}

	for si := range c.Sections {
		for _, src := range c.Sections[si].Sources {
			if src.Origin != chapter.OriginInternalDoc {
				continue
			}
			imgs, err := rt.orch.deps.Store.ListImages(ctx, src.ID)
			if err != nil {
				return err
			}
			for _, img := range imgs {
				if seen[img.ID] {
					continue
				}
				seen[img.ID] = true
				c.Sections[si].ImageIDs = append(c.Sections[si].ImageIDs, img.ID)
				placements = append(placements, chapter.ImagePlacement{
					SectionIndex: si,
					ImageID:      img.ID,
					Caption:      img.Caption,
				})
			}
		}
	}
	return c.SetStagePayload(chapter.StageImageIntegration,
		chapter.ImageIntegrationPayload{Placements: placements})
}

// stageCitationBuild numbers unique sources in first-citation order and
// records which sections cite each.
func (rt *runtime) stageCitationBuild(ctx context.Context) error {
	c := rt.chapter
	var bibliography []chapter.BibliographyEntry
	index := map[string]int{}

	for si := range c.Sections {
		for _, src := range c.Sections[si].Sources {
			pos, ok := index[src.ID]
			if !ok {
				pos = len(bibliography)
				index[src.ID] = pos
				bibliography = append(bibliography, chapter.BibliographyEntry{
					Number: pos + 1,
					Source: src,
				})
			}
			entry := &bibliography[pos]
			if len(entry.Sections) == 0 || entry.Sections[len(entry.Sections)-1] != si {
				entry.Sections = append(entry.Sections, si)
			}
		}
	}
	return c.SetStagePayload(chapter.StageCitationBuild,
		chapter.CitationPayload{Bibliography: bibliography})
}

// stageQAScoring computes the four deterministic quality scalars.
//
//	depth    = min(1, mean section words / target words)
//	coverage = addressed sections / planned sections
//	evidence = min(1, citations per 1000 words / 10)
//	currency = max(0, 1 - 0.05 * mean citation age in years)
func (rt *runtime) stageQAScoring(ctx context.Context) error {
	c := rt.chapter
	target := rt.orch.gen.TargetSectionWords
	if target < 1 {
		target = 1
	}

	var plan schema.SynthesisPlan
	planned := len(c.Sections)
	if ok, err := c.StagePayloadInto(chapter.StageSynthesisPlan, &plan); err == nil && ok {
		planned = len(plan.Sections)
	}

	var totalWords, citations, ageSum, aged int
	currentYear := time.Now().Year()
	for _, sec := range c.Sections {
		totalWords += sec.WordCount
		citations += len(sec.Sources)
		for _, src := range sec.Sources {
			if src.Year > 0 {
				ageSum += currentYear - src.Year
				aged++
			}
		}
	}

	scores := chapter.QualityScores{}
	if n := len(c.Sections); n > 0 {
		scores.Depth = float64(totalWords) / float64(n) / float64(target)
		if scores.Depth > 1 {
			scores.Depth = 1
		}
	}
	if planned > 0 {
		scores.Coverage = float64(len(c.Sections)) / float64(planned)
		if scores.Coverage > 1 {
			scores.Coverage = 1
		}
	}
	if totalWords > 0 {
		perThousand := float64(citations) / float64(totalWords) * 1000
		scores.Evidence = perThousand / 10
		if scores.Evidence > 1 {
			scores.Evidence = 1
		}
	}
	if aged > 0 {
		scores.Currency = 1 - 0.05*float64(ageSum)/float64(aged)
		if scores.Currency < 0 {
			scores.Currency = 0
		}
	}

	c.Quality = scores
	return c.SetStagePayload(chapter.StageQAScoring, chapter.QAPayload{Scores: scores})
}

func (rt *runtime) stageFactCheck(ctx context.Context) error {
	c := rt.chapter
	verdict, err := rt.orch.deps.FactChecker.CheckChapter(ctx, c.Sections)
	if err != nil {
		return err
	}
	c.FactCheck = &verdict
	if err := c.SetStagePayload(chapter.StageFactCheck, chapter.FactCheckPayload{Verdict: verdict}); err != nil {
		return err
	}
	if !verdict.Passed && rt.orch.gen.BlockOnFactCheckFailure {
		return llmerr.New(llmerr.KindIntegrity,
			"fact check failed with overall accuracy %.2f", verdict.OverallAccuracy)
	}
	return nil
}

// stageFormatting assigns stable heading anchors and flags structural
// problems. Deterministic, no model calls.
func (rt *runtime) stageFormatting(ctx context.Context) error {
	c := rt.chapter
	payload := chapter.FormattingPayload{}
	seen := map[string]int{}

	for i := range c.Sections {
		sec := &c.Sections[i]
		if strings.TrimSpace(sec.Title) == "" {
			sec.Title = fmt.Sprintf("Section %d", i+1)
			payload.HeadingWarns = append(payload.HeadingWarns,
				fmt.Sprintf("section %d had an empty title", i))
		}
		anchor := slugify(sec.Title)
		if n := seen[anchor]; n > 0 {
			payload.HeadingWarns = append(payload.HeadingWarns,
				fmt.Sprintf("duplicate heading %q", sec.Title))
			anchor = fmt.Sprintf("%s-%d", anchor, n+1)
		}
		seen[slugify(sec.Title)]++
		payload.Anchors = append(payload.Anchors, anchor)
	}
	return c.SetStagePayload(chapter.StageFormatting, payload)
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func (rt *runtime) stageReview(ctx context.Context) error {
	c := rt.chapter
	var b strings.Builder
	fmt.Fprintf(&b, "Review this chapter on %q for tone, clarity, and clinical accuracy. Suggest improvements per section; do not rewrite.\n\n", c.Topic)
	for _, sec := range c.Sections {
		fmt.Fprintf(&b, "## [%d] %s\n%s\n\n", sec.Index, sec.Title, sec.Content)
	}

	notes, err := provider.GenerateObject[schema.ReviewNotes](ctx, rt.router,
		provider.TaskReview, provider.TextRequest{
			SystemPrompt: "You are a senior surgical editor. Respond with JSON only.",
			Prompt:       b.String(),
			MaxTokens:    4000,
		}, schema.ReviewNotesSchema)
	if err != nil {
		return err
	}
	// Suggestions are recorded, never applied automatically.
	return c.SetStagePayload(chapter.StageReview, chapter.ReviewPayload{Notes: notes.Data})
}

func (rt *runtime) stageGapAnalysis(ctx context.Context) error {
	c := rt.chapter
	report, err := rt.orch.deps.GapAnalyzer.Analyze(ctx, c)
	if err != nil {
		return err
	}
	c.Completeness = report.Score
	c.RequiresRevision = report.RequiresRevision

	if err := rt.orch.deps.Store.SaveGapAnalysis(ctx, uuid.NewString(), c.ID, report, report.Score); err != nil {
		return err
	}
	return c.SetStagePayload(chapter.StageGapAnalysis, report)
}

func (rt *runtime) stageFinalize(ctx context.Context) error {
	c := rt.chapter
	sort.SliceStable(c.Sections, func(i, j int) bool { return c.Sections[i].Index < c.Sections[j].Index })
	c.Terminal = chapter.StatusCompleted
	return c.SetStagePayload(chapter.StageFinalize, chapter.FinalizePayload{
		Version:     c.Version + 1,
		FinalizedAt: time.Now().UTC(),
	})
}

func failurePayload(kind llmerr.Kind, cause error) json.RawMessage {
	data, err := json.Marshal(map[string]string{
		"kind":    string(kind),
		"message": cause.Error(),
	})
	if err != nil {
		return nil
	}
	return data
}

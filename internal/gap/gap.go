// Package gap scores a finished chapter's completeness across five
// weighted dimensions and decides whether it needs revision. Four
// dimensions are computed deterministically from the chapter's own
// data; only the critical-information check consults a model, through
// a schema-constrained call.
package gap

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"chapterforge/internal/chapter"
	"chapterforge/internal/logging"
	"chapterforge/internal/provider"
	"chapterforge/internal/schema"
)

// Dimension weights sum to 1. Completeness dominates: a chapter that
// misses topics is worse than one with thin evidence.
const (
	dimCompleteness   = "content_completeness"
	dimSourceCoverage = "source_coverage"
	dimBalance        = "section_balance"
	dimTemporal       = "temporal_coverage"
	dimCriticalInfo   = "critical_information"
)

var weights = map[string]float64{
	dimCompleteness:   0.50,
	dimSourceCoverage: 0.20,
	dimBalance:        0.15,
	dimTemporal:       0.10,
	dimCriticalInfo:   0.05,
}

// Per-gap deductions from a dimension's base score of 1.0.
var severityDeduction = map[string]float64{
	schema.SeverityCritical: 0.15,
	schema.SeverityHigh:     0.08,
	schema.SeverityMedium:   0.04,
	schema.SeverityLow:      0.02,
}

// Recency window for temporal coverage, in years.
const recentYears = 10

// Revision triggers beyond the completeness threshold.
const maxHighGaps = 2

// Analyzer runs the five-dimensional gap analysis.
type Analyzer struct {
	router            *provider.Router
	revisionThreshold float64
	yearNow           func() int
	log               *zap.Logger
}

// New wires an analyzer. revisionThreshold is the completeness score
// below which revision is required.
func New(r *provider.Router, revisionThreshold float64) *Analyzer {
	return &Analyzer{
		router:            r,
		revisionThreshold: revisionThreshold,
		yearNow:           func() int { return time.Now().Year() },
		log:               logging.Get(logging.CategoryOrchestrator),
	}
}

// Analyze scores all dimensions and aggregates the report. The
// critical-information model call failing scores a conservative
// zero-gap 1.0 but is named in the recommendations, so one flaky call
// neither fails the stage nor silently forces a revision.
func (a *Analyzer) Analyze(ctx context.Context, c *chapter.Chapter) (chapter.GapAnalysisPayload, error) {
	var scored []chapter.GapDimension
	var gaps []chapter.Gap
	var recommendations []string

	record := func(name string, score float64, found []chapter.Gap, recs ...string) {
		scored = append(scored, chapter.GapDimension{
			Name: name, Weight: weights[name], Score: score,
		})
		gaps = append(gaps, found...)
		recommendations = append(recommendations, recs...)
	}

	score, found, recs := scoreCompleteness(c)
	record(dimCompleteness, score, found, recs...)

	score, found, recs = scoreSourceCoverage(c)
	record(dimSourceCoverage, score, found, recs...)

	score, found = scoreBalance(c)
	record(dimBalance, score, found)

	score, found = scoreTemporal(c, a.yearNow())
	record(dimTemporal, score, found)

	score, found, recs = a.scoreCriticalInfo(ctx, c)
	if err := ctx.Err(); err != nil {
		return chapter.GapAnalysisPayload{}, err
	}
	record(dimCriticalInfo, score, found, recs...)

	report := chapter.GapAnalysisPayload{
		Dimensions:      scored,
		Gaps:            gaps,
		Recommendations: dedupStrings(recommendations),
	}
	for _, dim := range scored {
		report.Score += dim.Weight * dim.Score
	}
	report.RequiresRevision = a.requiresRevision(report)

	a.log.Info("gap analysis complete",
		zap.Float64("score", report.Score),
		zap.Int("gaps", len(gaps)),
		zap.Bool("requires_revision", report.RequiresRevision))
	return report, nil
}

// scoreCompleteness checks that the concepts identified during topic
// analysis actually appear in the chapter text. Without an analysis
// payload there is nothing to check against.
func scoreCompleteness(c *chapter.Chapter) (float64, []chapter.Gap, []string) {
	var ip chapter.InputPayload
	ok, err := c.StagePayloadInto(chapter.StageInputValid, &ip)
	if err != nil || !ok {
		return 1, nil, []string{"topic analysis unavailable; content completeness not assessed"}
	}

	concepts := dedupStrings(append(append([]string{}, ip.Analysis.PrimaryConcepts...), ip.Analysis.Keywords...))
	if len(concepts) == 0 {
		return 1, nil, nil
	}

	var body strings.Builder
	for _, sec := range c.Sections {
		body.WriteString(strings.ToLower(sec.Title))
		body.WriteByte('\n')
		body.WriteString(strings.ToLower(sec.Content))
		body.WriteByte('\n')
	}
	text := body.String()

	var covered int
	var gaps []chapter.Gap
	for _, concept := range concepts {
		needle := strings.ToLower(strings.TrimSpace(concept))
		if needle == "" {
			covered++
			continue
		}
		if strings.Contains(text, needle) {
			covered++
			continue
		}
		gaps = append(gaps, chapter.Gap{
			Dimension:   dimCompleteness,
			Severity:    schema.SeverityMedium,
			Description: fmt.Sprintf("concept %q from the topic analysis is never discussed", concept),
		})
	}
	return float64(covered) / float64(len(concepts)), gaps, nil
}

// scoreSourceCoverage is the fraction of the research corpus the
// chapter actually cites.
func scoreSourceCoverage(c *chapter.Chapter) (float64, []chapter.Gap, []string) {
	var merged chapter.ResearchPayload
	ok, err := c.StagePayloadInto(chapter.StageResearchExternal, &merged)
	if err != nil || !ok {
		return 1, nil, []string{"research corpus unavailable; source coverage not assessed"}
	}
	if len(merged.Sources) == 0 {
		return 1, nil, nil
	}

	cited := map[string]bool{}
	for _, sec := range c.Sections {
		for _, src := range sec.Sources {
			cited[src.ID] = true
		}
	}
	var used int
	for _, src := range merged.Sources {
		if cited[src.ID] {
			used++
		}
	}
	score := float64(used) / float64(len(merged.Sources))
	var gaps []chapter.Gap
	if score < 0.5 {
		gaps = append(gaps, chapter.Gap{
			Dimension:   dimSourceCoverage,
			Severity:    schema.SeverityMedium,
			Description: fmt.Sprintf("only %d of %d research sources are cited", used, len(merged.Sources)),
		})
	}
	return score, gaps, nil
}

// scoreBalance penalizes uneven section lengths: one minus the
// coefficient of variation of section word counts, floored at zero.
func scoreBalance(c *chapter.Chapter) (float64, []chapter.Gap) {
	if len(c.Sections) < 2 {
		return 1, nil
	}
	var sum float64
	for _, sec := range c.Sections {
		sum += float64(sec.WordCount)
	}
	mean := sum / float64(len(c.Sections))
	if mean == 0 {
		return 0, []chapter.Gap{{
			Dimension:   dimBalance,
			Severity:    schema.SeverityHigh,
			Description: "every section is empty",
		}}
	}
	var variance float64
	for _, sec := range c.Sections {
		d := float64(sec.WordCount) - mean
		variance += d * d
	}
	cv := math.Sqrt(variance/float64(len(c.Sections))) / mean
	score := 1 - cv
	if score < 0 {
		score = 0
	}
	var gaps []chapter.Gap
	if cv > 0.5 {
		gaps = append(gaps, chapter.Gap{
			Dimension:   dimBalance,
			Severity:    schema.SeverityLow,
			Description: fmt.Sprintf("section lengths vary widely (coefficient of variation %.2f)", cv),
		})
	}
	return score, gaps
}

// scoreTemporal is the share of dated citations published in the last
// ten years. Undated citations are left out of the ratio.
func scoreTemporal(c *chapter.Chapter, currentYear int) (float64, []chapter.Gap) {
	var dated, recent int
	for _, sec := range c.Sections {
		for _, src := range sec.Sources {
			if src.Year <= 0 {
				continue
			}
			dated++
			if currentYear-src.Year <= recentYears {
				recent++
			}
		}
	}
	if dated == 0 {
		return 1, nil
	}
	score := float64(recent) / float64(dated)
	var gaps []chapter.Gap
	if score < 0.5 {
		gaps = append(gaps, chapter.Gap{
			Dimension:   dimTemporal,
			Severity:    schema.SeverityMedium,
			Description: fmt.Sprintf("%d of %d dated citations are older than %d years", dated-recent, dated, recentYears),
		})
	}
	return score, gaps
}

// scoreCriticalInfo asks the model whether the chapter covers the
// safety content a clinical reader cannot do without.
func (a *Analyzer) scoreCriticalInfo(ctx context.Context, c *chapter.Chapter) (float64, []chapter.Gap, []string) {
	out, err := provider.GenerateObject[schema.CriticalInfo](ctx, a.router,
		provider.TaskQualityAssessment, provider.TextRequest{
			SystemPrompt: "You review a surgical chapter for essential safety content. Respond with JSON only.",
			Prompt:       buildPrompt(c),
			MaxTokens:    2000,
		}, schema.CriticalInfoSchema)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil
		}
		a.log.Warn("critical information analysis failed", zap.Error(err))
		return 1, nil, []string{"gap analysis unavailable for dimension critical_information"}
	}

	var gaps []chapter.Gap
	if !out.Data.HasContraindications {
		gaps = append(gaps, chapter.Gap{
			Dimension:   dimCriticalInfo,
			Severity:    schema.SeverityCritical,
			Description: "contraindications are not addressed",
		})
	}
	if !out.Data.HasComplications {
		gaps = append(gaps, chapter.Gap{
			Dimension:   dimCriticalInfo,
			Severity:    schema.SeverityCritical,
			Description: "complications are not addressed",
		})
	}
	for _, topic := range out.Data.MissingTopics {
		gaps = append(gaps, chapter.Gap{
			Dimension:   dimCriticalInfo,
			Severity:    schema.SeverityMedium,
			Description: fmt.Sprintf("missing topic: %s", topic),
		})
	}
	return DimensionScore(gaps), gaps, nil
}

// DimensionScore deducts per-gap severity penalties from 1.0, floored
// at zero.
func DimensionScore(gaps []chapter.Gap) float64 {
	score := 1.0
	for _, g := range gaps {
		score -= severityDeduction[g.Severity]
	}
	if score < 0 {
		return 0
	}
	return score
}

func (a *Analyzer) requiresRevision(report chapter.GapAnalysisPayload) bool {
	if report.Score < a.revisionThreshold {
		return true
	}
	var high int
	for _, g := range report.Gaps {
		switch g.Severity {
		case schema.SeverityCritical:
			return true
		case schema.SeverityHigh:
			high++
		}
	}
	return high > maxHighGaps
}

func buildPrompt(c *chapter.Chapter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter topic: %s\n\n", c.Topic)
	for _, sec := range c.Sections {
		fmt.Fprintf(&b, "## %s\n%s\n\n", sec.Title, sec.Content)
	}
	return b.String()
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

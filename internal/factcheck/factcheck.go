// Package factcheck verifies generated sections against their cited
// sources. Each section is checked independently; the chapter verdict
// aggregates the per-section results.
package factcheck

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chapterforge/internal/chapter"
	"chapterforge/internal/logging"
	"chapterforge/internal/provider"
	"chapterforge/internal/schema"
)

// checkConcurrency bounds parallel section checks.
const checkConcurrency = 3

// Pass thresholds. A chapter passes at accuracyPass outright, or at
// accuracyConditional when no unverified claim is severity-critical.
// More than maxCriticalIssues critical issues chapter-wide always
// fails.
const (
	accuracyPass        = 0.90
	accuracyConditional = 0.80
	maxCriticalIssues   = 2
)

// Checker runs model-backed fact verification.
type Checker struct {
	router *provider.Router
	log    *zap.Logger
}

// New wires a checker over the router.
func New(r *provider.Router) *Checker {
	return &Checker{router: r, log: logging.Get(logging.CategoryOrchestrator)}
}

// CheckSection verifies one section's claims against its sources.
func (c *Checker) CheckSection(ctx context.Context, sec chapter.Section) (schema.FactCheck, error) {
	out, err := provider.GenerateObject[schema.FactCheck](ctx, c.router,
		provider.TaskFactChecking, provider.TextRequest{
			SystemPrompt: "You are a medical fact checker. Extract factual claims from the section, verify each against the provided sources, and respond with JSON only.",
			Prompt:       buildPrompt(sec),
			MaxTokens:    4000,
		}, schema.FactCheckSchema)
	if err != nil {
		return schema.FactCheck{}, err
	}
	return out.Data, nil
}

// CheckChapter verifies every section in parallel and aggregates the
// verdict. A section whose check call fails is treated as unverifiable
// rather than failing the chapter: its result carries zero accuracy and
// a critical issue naming the failure, and the blocking decision stays
// with the orchestrator.
func (c *Checker) CheckChapter(ctx context.Context, sections []chapter.Section) (chapter.FactCheckVerdict, error) {
	if len(sections) == 0 {
		return chapter.FactCheckVerdict{Passed: true, OverallAccuracy: 1}, nil
	}

	results := make([]schema.FactCheck, len(sections))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)

	for i := range sections {
		g.Go(func() error {
			res, err := c.CheckSection(gctx, sections[i])
			if err != nil {
				if gctx.Err() != nil {
					return err
				}
				c.log.Warn("section fact check failed",
					zap.Int("section", sections[i].Index), zap.Error(err))
				// The unverifiable section weighs into the chapter
				// aggregate as one unverified critical claim.
				res = schema.FactCheck{
					Claims: []schema.Claim{{
						Claim:           fmt.Sprintf("section %d could not be verified", sections[i].Index),
						Category:        "verification",
						SeverityIfWrong: schema.SeverityCritical,
					}},
					CriticalIssues:  []string{fmt.Sprintf("fact check unavailable for section %d: %v", sections[i].Index, err)},
					Recommendations: []string{"re-run fact checking for this section"},
				}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return chapter.FactCheckVerdict{}, err
	}

	verdict := chapter.FactCheckVerdict{SectionResults: results}
	verdict.OverallAccuracy, verdict.Passed = Aggregate(results)
	c.log.Info("fact check complete",
		zap.Bool("passed", verdict.Passed),
		zap.Float64("overall_accuracy", verdict.OverallAccuracy))
	return verdict, nil
}

// Aggregate applies the chapter-level pass rule. Accuracy is verified
// claims over total claims across every section; a claimless chapter
// counts as fully accurate. The chapter passes at accuracyPass, or at
// accuracyConditional when no unverified claim anywhere is
// severity-critical, and never with more than maxCriticalIssues
// critical issues in total.
func Aggregate(results []schema.FactCheck) (accuracy float64, passed bool) {
	var total, verified, criticalIssues int
	criticalUnverified := false
	for _, res := range results {
		criticalIssues += len(res.CriticalIssues)
		for _, claim := range res.Claims {
			total++
			if claim.Verified {
				verified++
			} else if claim.SeverityIfWrong == schema.SeverityCritical {
				criticalUnverified = true
			}
		}
	}
	accuracy = 1
	if total > 0 {
		accuracy = float64(verified) / float64(total)
	}
	passed = criticalIssues <= maxCriticalIssues &&
		(accuracy >= accuracyPass || (accuracy >= accuracyConditional && !criticalUnverified))
	return accuracy, passed
}

func buildPrompt(sec chapter.Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Section %d: %s\n\n%s\n\nSources:\n", sec.Index, sec.Title, sec.Content)
	if len(sec.Sources) == 0 {
		b.WriteString("(none cited)\n")
	}
	for _, src := range sec.Sources {
		fmt.Fprintf(&b, "- [%s] %s", src.ID, src.Title)
		if src.Abstract != "" {
			fmt.Fprintf(&b, ": %s", src.Abstract)
		}
		b.WriteString("\n")
	}
	return b.String()
}

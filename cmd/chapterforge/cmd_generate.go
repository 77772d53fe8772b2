package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chapterforge/internal/chapter"
	"chapterforge/internal/orchestrator"
	"chapterforge/internal/stream"
)

var generateOwner string

// consoleBus prints progress events as they happen.
type consoleBus struct{}

func (consoleBus) Publish(ev stream.Event) {
	switch ev.Type {
	case stream.EventStageStart:
		fmt.Printf("  [%2d/%d] %s...\n", ev.StageNumber, ev.TotalStages, ev.Stage)
	case stream.EventSectionReady:
		var sec struct {
			Number int     `json:"section_number"`
			Title  string  `json:"section_title"`
			Total  int     `json:"total_sections"`
			Pct    float64 `json:"progress_percent"`
		}
		if json.Unmarshal(ev.Payload, &sec) == nil {
			fmt.Printf("         section %d/%d (%.0f%%): %s\n", sec.Number, sec.Total, sec.Pct, sec.Title)
		}
	case stream.EventChapterFailed:
		fmt.Printf("  FAILED: %s\n", string(ev.Payload))
	}
}

var generateCmd = &cobra.Command{
	Use:   "generate <topic>",
	Short: "Generate one chapter synchronously",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		// Rebuild the orchestrator with a console bus so progress is
		// visible without a websocket client.
		deps := a.orchDeps
		deps.Bus = consoleBus{}
		orch := orchestrator.New(deps, cfg.Generation, cfg.Research, cfg.Checkpoint)

		fmt.Printf("Generating chapter: %s\n", args[0])
		started := time.Now()
		id, err := orch.Start(ctx, orchestrator.StartRequest{Owner: generateOwner, Topic: args[0]})
		if err != nil {
			return err
		}

		// Start runs in the background; poll until terminal.
		var c *chapter.Chapter
		for {
			time.Sleep(500 * time.Millisecond)
			c, err = orch.Get(ctx, id)
			if err != nil {
				return err
			}
			if c != nil && c.IsTerminal() {
				break
			}
			if ctx.Err() != nil {
				orch.Cancel(id)
				return ctx.Err()
			}
		}

		if c.Terminal == chapter.StatusFailed {
			return fmt.Errorf("chapter %s failed at stage %s", id, c.CurrentStage)
		}
		fmt.Printf("\nCompleted %q in %s\n", c.Title, time.Since(started).Round(time.Second))
		fmt.Printf("  sections: %d  completeness: %.2f  cost: $%.4f\n",
			len(c.Sections), c.Completeness, c.TotalCostUSD)
		if c.FactCheck != nil {
			fmt.Printf("  fact check: passed=%v accuracy=%.2f\n",
				c.FactCheck.Passed, c.FactCheck.OverallAccuracy)
		}
		fmt.Printf("  chapter id: %s\n", id)
		return nil
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateOwner, "owner", "", "chapter owner (required)")
	_ = generateCmd.MarkFlagRequired("owner")
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chapterforge/internal/dlq"
)

var (
	dlqTaskType  string
	dlqErrorKind string
	dlqLimit     int
	dlqSince     string
	dlqOlderThan int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		f := dlq.Filters{TaskType: dlqTaskType, ErrorKind: dlqErrorKind, Limit: dlqLimit}
		if dlqSince != "" {
			since, err := time.Parse(time.RFC3339, dlqSince)
			if err != nil {
				return fmt.Errorf("--since must be RFC3339: %w", err)
			}
			f.Since = since
		}
		entries, err := a.dlq.List(ctx, f)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-22s %-20s retries=%d  %s\n",
				e.FailedAt.Format(time.RFC3339), e.TaskName, e.ErrorKind, e.RetryCount, e.TaskID)
			fmt.Printf("    %s\n", e.ErrorMsg)
		}
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Re-enqueue a dead-lettered task onto its original queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.dlq.Retry(ctx, args[0], a.workers); err != nil {
			return err
		}
		fmt.Printf("task %s re-enqueued\n", args[0])
		return nil
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize dead-letter queue contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.dlq.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("total: %d\n", stats.Total)
		for task, n := range stats.ByTask {
			fmt.Printf("  task %-24s %d\n", task, n)
		}
		for kind, n := range stats.ByKind {
			fmt.Printf("  kind %-24s %d\n", kind, n)
		}
		if !stats.OldestAt.IsZero() {
			fmt.Printf("oldest: %s\nnewest: %s\n",
				stats.OldestAt.Format(time.RFC3339), stats.NewestAt.Format(time.RFC3339))
		}
		return nil
	},
}

var dlqCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove entries older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		days := dlqOlderThan
		if days <= 0 {
			days = cfg.DLQ.RetentionDays
		}
		removed, err := a.dlq.Cleanup(ctx, days)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d entries older than %d days\n", removed, days)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqTaskType, "task-type", "", "filter by task name")
	dlqListCmd.Flags().StringVar(&dlqErrorKind, "error-kind", "", "filter by error kind")
	dlqListCmd.Flags().StringVar(&dlqSince, "since", "", "only entries failed after this RFC3339 time")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum entries to show")
	dlqCleanupCmd.Flags().IntVar(&dlqOlderThan, "older-than-days", 0, "override configured retention")
	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqStatsCmd, dlqCleanupCmd)
}

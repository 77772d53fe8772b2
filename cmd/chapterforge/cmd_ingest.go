package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chapterforge/internal/checkpoint"
	"chapterforge/internal/ingest"
	"chapterforge/internal/worker"
)

var ingestEnqueue bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Ingest documents into the research corpus",
	Long: `Runs the five-phase ingestion pipeline per document: text chunking,
figure extraction, vision analysis, embedding computation, and citation
extraction. With --enqueue the documents are queued for the worker
runtime instead of being processed inline.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		for _, path := range args {
			if ingestEnqueue {
				docID, err := a.ingest.Register(ctx, path)
				if err != nil {
					return err
				}
				err = a.workers.Enqueue(ctx, worker.QueueDefault, ingest.TaskName, docID,
					map[string]string{"path": path, "document_id": docID})
				if err != nil {
					return err
				}
				fmt.Printf("queued %s as document %s\n", path, docID)
				continue
			}

			ck := checkpoint.For(a.rdb, ingest.TaskName+":"+path, cfg.Checkpoint.TTL)
			docID, err := a.ingest.Ingest(ctx, path, ck)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			fmt.Printf("ingested %s as document %s\n", path, docID)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestEnqueue, "enqueue", false, "queue for the worker runtime instead of processing inline")
}

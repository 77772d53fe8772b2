// Package main implements the chapterforge CLI: an AI pipeline that
// researches, writes, verifies, and scores surgical textbook chapters.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chapterforge/internal/config"
	"chapterforge/internal/logging"
)

var (
	configPath string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "chapterforge",
	Short: "Medical chapter generation pipeline",
	Long: `chapterforge generates surgical textbook chapters through a
fourteen-stage pipeline: topic analysis, internal and external research,
outline synthesis, parallel section generation, image integration,
citations, quality scoring, fact checking, formatting, review, and gap
analysis.

Examples:
  chapterforge serve                               # API + worker + progress channel
  chapterforge generate "Acute appendicitis" --owner alice
  chapterforge ingest docs/hernia.md
  chapterforge dlq list --error-kind provider_unavailable`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return logging.Init(cfg.Debug)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "chapterforge.yaml", "configuration file")
	rootCmd.AddCommand(serveCmd, generateCmd, ingestCmd, dlqCmd)
}

func main() {
	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/enrich"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search issue summaries",
	Long: `Search summaries by meaning using the semantic index, or by keyword tag
with --keywords (any tag matches, case-insensitive).`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		keywords, _ := cmd.Flags().GetBool("keywords")
		limit, _ := cmd.Flags().GetInt("limit")
		cyan := color.New(color.FgCyan).SprintFunc()

		if keywords {
			found, err := adminService().SearchByKeywords(ctx, args, limit)
			if err != nil {
				fail("%v", err)
			}
			if len(found) == 0 {
				fmt.Println("No matches.")
				return
			}
			for _, s := range found {
				fmt.Printf("%s\n  %s\n  tags: %s\n", cyan(s.ID), s.Summary, strings.Join(s.KeywordTags, ", "))
			}
			return
		}

		idx, err := buildIndexer(cfg, config.CredentialsFromEnv(), store)
		if err != nil {
			fail("%v", err)
		}
		if idx == nil {
			fail("semantic index is not configured (enable index and set the embedding API key)")
		}
		results, err := idx.Search(ctx, strings.Join(args, " "))
		if err != nil {
			fail("%v", err)
		}
		if len(results) == 0 {
			fmt.Println("No matches.")
			return
		}
		for _, r := range results {
			fmt.Printf("%s %s\n  %s\n", color.GreenString("%.3f", r.Score), cyan(r.SourceID), r.Text)
		}
	},
}

var summariesCmd = &cobra.Command{
	Use:   "summaries",
	Short: "Manage generated summaries",
}

var summariesResetCmd = &cobra.Command{
	Use:   "reset <id>...",
	Short: "Delete summaries so the next run regenerates them",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		engine := enrich.New(store, nil, cfg.Enrich, slog.Default())
		for _, id := range args {
			if err := engine.Reset(cmd.Context(), id); err != nil {
				fail("%v", err)
			}
			fmt.Printf("%s %s\n", color.GreenString("✓ Reset"), id)
		}
	},
}

func init() {
	searchCmd.Flags().Bool("keywords", false, "Match keyword tags instead of semantic similarity")
	searchCmd.Flags().Int("limit", 20, "Maximum keyword matches")

	summariesCmd.AddCommand(summariesResetCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(summariesCmd)
}

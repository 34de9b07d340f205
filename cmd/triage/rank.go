package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/headlessqa/triage/internal/report"
)

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Rank the worst-failing tests over a build window",
	Long: `Count failures per test case across the routine's builds in a time window
and rank cases by failure ratio.

Examples:
  triage rank
  triage rank --days 90 --top 20`,
	Run: func(cmd *cobra.Command, args []string) {
		days, _ := cmd.Flags().GetInt("days")
		top, _ := cmd.Flags().GetInt("top")
		ctx := context.Background()

		a, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		now := time.Now()
		ranker, err := report.NewRanker(a.testray, report.RankingConfig{
			WindowStart: now.AddDate(0, 0, -days),
			WindowEnd:   now,
			TopN:        top,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ranked, err := ranker.Rank(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		report.RenderRanking(color.Output, ranked)
	},
}

func init() {
	rankCmd.Flags().Int("days", 30, "build window in days")
	rankCmd.Flags().Int("top", 50, "number of cases to show")
	rootCmd.AddCommand(rankCmd)
}

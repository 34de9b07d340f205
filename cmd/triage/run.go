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

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one triage pass against the latest build",
	Long: `Run one full reconciliation pass: find the latest DONE build, ensure its
analysis task exists, classify every unhandled failure, reuse or file Jira
issues, and complete subtasks and the task when everything is handled.

The pass is idempotent; re-running against a triaged build is a no-op.

Examples:
  triage run
  triage run --kpi`,
	Run: func(cmd *cobra.Command, args []string) {
		withKPI, _ := cmd.Flags().GetBool("kpi")
		ctx := context.Background()

		a, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		result, err := a.engine.Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if result.Skipped {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s %s\n", yellow("Skipped:"), result.SkipReason)
		} else {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Build %d, task %d: %d update(s), task completed: %v\n",
				green("Done."), result.BuildID, result.TaskID, result.Updates, result.TaskCompleted)
		}

		if withKPI {
			ratio, err := report.ComputeAFTRatio(ctx, a.testray, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "KPI unavailable: %v\n", err)
				return
			}
			report.RenderAFTRatio(color.Output, ratio)
		}
	},
}

func init() {
	runCmd.Flags().Bool("kpi", false, "also report the automated functional test count KPI")
	rootCmd.AddCommand(runCmd)
}

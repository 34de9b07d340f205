package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/headlessqa/triage/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest build, its task, and subtask progress",
	Long: `Show the triage state of the latest build: import status, the analysis
task and its status, and how many subtasks are complete.

Examples:
  triage status
  triage status --reanalyze`,
	Run: func(cmd *cobra.Command, args []string) {
		reanalyze, _ := cmd.Flags().GetBool("reanalyze")
		ctx := context.Background()

		a, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		if reanalyze {
			taskID, err := a.engine.ReanalyzeLatestTask(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Task %d set back to %s\n", green("Done."), taskID, types.TaskInAnalysis)
			return
		}

		if err := printStatus(ctx, a); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func printStatus(ctx context.Context, a *app) error {
	builds, err := a.testray.ListBuilds(ctx)
	if err != nil {
		return err
	}
	if len(builds) == 0 {
		fmt.Println("No builds found.")
		return nil
	}

	latest := builds[0]
	fmt.Printf("Latest build: %s (id %d, import %s)\n", latest.Name, latest.ID, latest.ImportStatus)

	tasks, err := a.testray.BuildTasks(ctx, latest.ID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No analysis task yet.")
		return nil
	}
	task := tasks[0]
	fmt.Printf("Task %d: %s\n", task.ID, task.Status)

	subtasks, err := a.testray.TaskSubtasks(ctx, task.ID)
	if err != nil {
		return err
	}
	complete := 0
	for _, subtask := range subtasks {
		if subtask.Complete() {
			complete++
		}
	}
	fmt.Printf("Subtasks: %d/%d complete\n", complete, len(subtasks))
	return nil
}

func init() {
	statusCmd.Flags().Bool("reanalyze", false, "set the latest build's task back to INANALYSIS")
	rootCmd.AddCommand(statusCmd)
}

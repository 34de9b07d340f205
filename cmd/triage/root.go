package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Automated failure triage for Testray routines",
	Long: `triage reconciles the latest Testray build against Jira: it classifies
failing case results as flaky, known, or new, reuses or files issues, and
drives subtasks and the analysis task to completion.

Configuration is read from a YAML file (--config) with TRIAGE_* environment
overrides.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
}

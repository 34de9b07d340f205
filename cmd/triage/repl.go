package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/headlessqa/triage/internal/repl"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start the interactive triage shell",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		shell, err := repl.New(a.session())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := shell.Run(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(replCmd)
}

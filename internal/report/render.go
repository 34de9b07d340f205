package report

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// RenderRanking writes the worst-failing-tests table.
func RenderRanking(w io.Writer, ranked []RankedCase) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Fprintf(w, "\n%s\n\n", cyan("--- Worst Failing Tests Ranking ---"))
	if len(ranked) == 0 {
		fmt.Fprintln(w, "No cases to rank in the selected window.")
		return
	}

	fmt.Fprintf(w, "%-10s %-6s %-6s %-8s %-30s %-25s %s\n",
		"Case ID", "Fails", "Runs", "Fail %", "Component", "Issues", "Name")

	for _, c := range ranked {
		pct := fmt.Sprintf("%.1f%%", c.FailRatio*100)
		switch {
		case c.FailRatio >= 0.5:
			pct = red(pct)
		case c.FailRatio >= 0.2:
			pct = yellow(pct)
		default:
			pct = green(pct)
		}
		fmt.Fprintf(w, "%-10d %-6d %-6d %-8s %-30s %-25s %s\n",
			c.CaseID, c.Fails, c.Runs, pct, c.Component, c.Issues, c.Name)
	}
}

// RenderAFTRatio writes the KPI verdict.
func RenderAFTRatio(w io.Writer, ratio *AFTRatio) {
	if ratio.TargetMet {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintln(w, green(ratio.String()))
		return
	}
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Fprintln(w, yellow(ratio.String()))
}

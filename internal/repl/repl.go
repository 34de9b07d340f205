// Package repl implements the interactive triage shell.
package repl

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/headlessqa/triage/internal/engine"
	"github.com/headlessqa/triage/internal/report"
	"github.com/headlessqa/triage/internal/storage"
	"github.com/headlessqa/triage/internal/testray"
	"github.com/headlessqa/triage/internal/types"
)

// REPL represents the interactive shell
type REPL struct {
	engine   *Session
	rl       *readline.Instance
	ctx      context.Context
	commands map[string]CommandHandler
}

// Session bundles the collaborators the shell commands use.
type Session struct {
	Engine  *engine.Engine
	Testray testray.Client
	Ledger  *storage.Ledger // optional
}

// CommandHandler handles a specific command
type CommandHandler func(args []string) error

// New creates a new REPL instance
func New(session *Session) (*REPL, error) {
	if session == nil || session.Engine == nil || session.Testray == nil {
		return nil, fmt.Errorf("engine and testray client are required")
	}

	r := &REPL{
		engine:   session,
		commands: make(map[string]CommandHandler),
	}
	r.registerCommands()
	return r, nil
}

// Run starts the REPL loop
func (r *REPL) Run(ctx context.Context) error {
	r.ctx = ctx

	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("triage> "),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	r.rl = rl

	r.printWelcome()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			} else if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := r.processInput(line); err != nil {
			if err == io.EOF {
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("%s %v\n", red("Error:"), err)
		}
	}
}

func (r *REPL) processInput(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	if handler, ok := r.commands[parts[0]]; ok {
		return handler(parts[1:])
	}

	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Printf("%s Unknown command %q. Type 'help' for available commands.\n", yellow("Note:"), parts[0])
	return nil
}

func (r *REPL) registerCommands() {
	r.commands["help"] = r.cmdHelp
	r.commands["?"] = r.cmdHelp
	r.commands["exit"] = r.cmdExit
	r.commands["quit"] = r.cmdExit
	r.commands["run"] = r.cmdRun
	r.commands["status"] = r.cmdStatus
	r.commands["rank"] = r.cmdRank
	r.commands["runs"] = r.cmdRuns
}

func (r *REPL) printWelcome() {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n", cyan("Triage - Testray failure triage"))
	fmt.Println()
	fmt.Println("Type 'help' for available commands, 'exit' to quit")
	fmt.Println()
}

func (r *REPL) cmdHelp(args []string) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n\n", cyan("Available Commands:"))
	fmt.Println("  run              Run one triage pass against the latest build")
	fmt.Println("  status           Show the latest build and its task")
	fmt.Println("  rank [days]      Rank worst-failing tests over the last N days (default 30)")
	fmt.Println("  runs [n]         Show the last N recorded runs (default 10)")
	fmt.Println("  help, ?          Show this help")
	fmt.Println("  exit, quit       Exit the shell")
	fmt.Println()
	return nil
}

func (r *REPL) cmdExit(args []string) error {
	fmt.Println("Goodbye!")
	return io.EOF
}

func (r *REPL) cmdRun(args []string) error {
	result, err := r.engine.Engine.Run(r.ctx)
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	if result.Skipped {
		fmt.Printf("Run skipped: %s\n", result.SkipReason)
		return nil
	}
	fmt.Printf("%s Build %d, task %d: %d update(s), task completed: %v\n",
		green("Done."), result.BuildID, result.TaskID, result.Updates, result.TaskCompleted)
	return nil
}

func (r *REPL) cmdStatus(args []string) error {
	builds, err := r.engine.Testray.ListBuilds(r.ctx)
	if err != nil {
		return err
	}
	if len(builds) == 0 {
		fmt.Println("No builds found.")
		return nil
	}

	latest := builds[0]
	fmt.Printf("Latest build: %s (id %d, import %s)\n", latest.Name, latest.ID, latest.ImportStatus)

	tasks, err := r.engine.Testray.BuildTasks(r.ctx, latest.ID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No task yet.")
		return nil
	}
	task := tasks[0]
	fmt.Printf("Task %d: %s\n", task.ID, task.Status)

	subtasks, err := r.engine.Testray.TaskSubtasks(r.ctx, task.ID)
	if err != nil {
		return err
	}
	complete := 0
	for _, subtask := range subtasks {
		if subtask.Status == types.SubtaskComplete {
			complete++
		}
	}
	fmt.Printf("Subtasks: %d/%d complete\n", complete, len(subtasks))
	return nil
}

func (r *REPL) cmdRank(args []string) error {
	days := 30
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid day count %q", args[0])
		}
		days = n
	}

	now := time.Now()
	ranker, err := report.NewRanker(r.engine.Testray, report.RankingConfig{
		WindowStart: now.AddDate(0, 0, -days),
		WindowEnd:   now,
	})
	if err != nil {
		return err
	}
	ranked, err := ranker.Rank(r.ctx)
	if err != nil {
		return err
	}
	report.RenderRanking(color.Output, ranked)
	return nil
}

func (r *REPL) cmdRuns(args []string) error {
	if r.engine.Ledger == nil {
		fmt.Println("No run ledger configured.")
		return nil
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid run count %q", args[0])
		}
		limit = n
	}

	runs, err := r.engine.Ledger.RecentRuns(r.ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}
	for _, run := range runs {
		fmt.Printf("%s  build %-8d %-10s %s\n",
			run.StartedAt.Format("2006-01-02 15:04:05"), run.BuildID, run.Outcome, run.Detail)
	}
	return nil
}

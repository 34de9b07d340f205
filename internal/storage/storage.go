// Package storage persists a local audit ledger of triage runs. Every run
// and every per-result decision is recorded so operators can answer "why did
// result X get issue Y" after the fact without replaying the run.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	build_id INTEGER NOT NULL,
	task_id INTEGER,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	outcome TEXT NOT NULL DEFAULT 'running',
	detail TEXT
);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	subtask_id INTEGER NOT NULL,
	result_id INTEGER NOT NULL,
	case_id INTEGER NOT NULL,
	verdict TEXT NOT NULL,
	issues TEXT,
	detail TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id);
CREATE INDEX IF NOT EXISTS idx_decisions_result ON decisions(result_id);
`

// Run outcomes.
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Verdicts recorded per case result.
const (
	VerdictSkipped       = "skipped"
	VerdictFlakyReused   = "flaky_reused"
	VerdictFlakyNewIssue = "flaky_new_issue"
	VerdictReusedIssue   = "reused_issue"
	VerdictNewIssue      = "new_issue"
	VerdictUnresolved    = "unresolved"
)

// Ledger is the sqlite-backed audit store.
type Ledger struct {
	db *sql.DB
}

// Decision is one recorded per-result triage decision.
type Decision struct {
	RunID     string
	SubtaskID int64
	ResultID  int64
	CaseID    int64
	Verdict   string
	Issues    string
	Detail    string
	CreatedAt time.Time
}

// RunRecord is one recorded engine run.
type RunRecord struct {
	ID         string
	BuildID    int64
	TaskID     int64
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Detail     string
}

// Open opens (or creates) the ledger at path. WAL keeps concurrent readers
// from blocking the engine's writes.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// BeginRun records the start of an engine run and returns its id.
func (l *Ledger) BeginRun(ctx context.Context, buildID int64) (string, error) {
	runID := uuid.New().String()
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO runs (id, build_id, started_at, outcome) VALUES (?, ?, ?, ?)",
		runID, buildID, time.Now().UTC(), OutcomeRunning)
	if err != nil {
		return "", fmt.Errorf("failed to record run start: %w", err)
	}
	return runID, nil
}

// SetRunTask attaches the resolved task id to a run.
func (l *Ledger) SetRunTask(ctx context.Context, runID string, taskID int64) error {
	_, err := l.db.ExecContext(ctx, "UPDATE runs SET task_id = ? WHERE id = ?", taskID, runID)
	if err != nil {
		return fmt.Errorf("failed to record run task: %w", err)
	}
	return nil
}

// FinishRun records the run's terminal outcome.
func (l *Ledger) FinishRun(ctx context.Context, runID, outcome, detail string) error {
	_, err := l.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, outcome = ?, detail = ? WHERE id = ?",
		time.Now().UTC(), outcome, detail, runID)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}

// RecordDecision appends one per-result decision to the ledger.
func (l *Ledger) RecordDecision(ctx context.Context, d Decision) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO decisions (run_id, subtask_id, result_id, case_id, verdict, issues, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		d.RunID, d.SubtaskID, d.ResultID, d.CaseID, d.Verdict, d.Issues, d.Detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// RunDecisions returns all decisions of one run in insertion order.
func (l *Ledger) RunDecisions(ctx context.Context, runID string) ([]Decision, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT run_id, subtask_id, result_id, case_id, verdict, COALESCE(issues, ''), COALESCE(detail, ''), created_at FROM decisions WHERE run_id = ? ORDER BY id",
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.RunID, &d.SubtaskID, &d.ResultID, &d.CaseID, &d.Verdict, &d.Issues, &d.Detail, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// RecentRuns returns the newest runs, most recent first.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, build_id, COALESCE(task_id, 0), started_at, COALESCE(finished_at, started_at), outcome, COALESCE(detail, '') FROM runs ORDER BY started_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.BuildID, &r.TaskID, &r.StartedAt, &r.FinishedAt, &r.Outcome, &r.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

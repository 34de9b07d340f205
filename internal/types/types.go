package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Build is a point-in-time execution snapshot of a test routine.
// Builds are produced by Testray; the engine only reads them.
type Build struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	RoutineID    int64      `json:"routine_id"`
	GitHash      string     `json:"git_hash,omitempty"`
	ImportStatus string     `json:"import_status"`
	DateCreated  time.Time  `json:"date_created"`
	DueDate      *time.Time `json:"due_date,omitempty"`
}

// ImportDone reports whether the build has finished importing results and is
// eligible for analysis.
func (b *Build) ImportDone() bool {
	return b.ImportStatus == ImportStatusDone
}

// ImportStatusDone is the only import status a build may have before any
// task or subtask work is attempted on it.
const ImportStatusDone = "DONE"

// TaskStatus is the triage status of a task.
type TaskStatus string

const (
	TaskInAnalysis TaskStatus = "INANALYSIS"
	TaskComplete   TaskStatus = "COMPLETE"
	TaskAbandoned  TaskStatus = "ABANDONED"
)

// IsValid checks if the task status value is valid
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskInAnalysis, TaskComplete, TaskAbandoned:
		return true
	}
	return false
}

// Task is the unit of triage work for one build. Exactly one non-abandoned
// task should exist per build; the engine reuses an existing task rather
// than creating a second one.
type Task struct {
	ID      int64      `json:"id"`
	Name    string     `json:"name"`
	BuildID int64      `json:"build_id"`
	Status  TaskStatus `json:"status"`
}

// SubtaskStatus is the triage status of a subtask.
type SubtaskStatus string

const (
	SubtaskOpen     SubtaskStatus = "OPEN"
	SubtaskComplete SubtaskStatus = "COMPLETE"
)

// Subtask groups case results under a task. The aggregated Issues field uses
// merge semantics: once populated it is never overwritten, only unioned.
type Subtask struct {
	ID     int64         `json:"id"`
	TaskID int64         `json:"task_id"`
	Status SubtaskStatus `json:"status"`
	Issues string        `json:"issues,omitempty"` // comma-separated issue keys
}

// Complete reports whether the subtask has been marked COMPLETE.
func (s *Subtask) Complete() bool {
	return s.Status == SubtaskComplete
}

// ResultStatus is the outcome status of a case result.
type ResultStatus string

const (
	ResultPassed  ResultStatus = "PASSED"
	ResultFailed  ResultStatus = "FAILED"
	ResultBlocked ResultStatus = "BLOCKED"
	ResultTestFix ResultStatus = "TESTFIX"
)

// NotPassed reports whether the status counts as a failure for history and
// flakiness purposes (FAILED, BLOCKED, or TESTFIX).
func (s ResultStatus) NotPassed() bool {
	switch s {
	case ResultFailed, ResultBlocked, ResultTestFix:
		return true
	}
	return false
}

// NotPassedStatuses is the status filter used for not-passed history queries.
var NotPassedStatuses = []ResultStatus{ResultFailed, ResultBlocked, ResultTestFix}

// CaseResult is one test case's outcome within a build/subtask. Immutable
// except for DueStatus and Issues, which the engine sets at most once per
// triage pass.
type CaseResult struct {
	ID            int64        `json:"id"`
	CaseID        int64        `json:"case_id"`
	ComponentID   int64        `json:"component_id,omitempty"`
	Status        ResultStatus `json:"status,omitempty"`
	Errors        string       `json:"errors,omitempty"`
	Issues        string       `json:"issues,omitempty"`
	ExecutionDate string       `json:"execution_date,omitempty"`
	GitHash       string       `json:"git_hash,omitempty"`
	Duration      int64        `json:"duration,omitempty"` // milliseconds
}

// Validate checks the fields the engine cannot work without. A result that
// fails validation is logged and skipped, never silently processed.
func (r *CaseResult) Validate() error {
	if r.ID == 0 {
		return fmt.Errorf("case result id is required")
	}
	if r.CaseID == 0 {
		return fmt.Errorf("case result %d has no case id", r.ID)
	}
	return nil
}

// Handled reports whether the result already carries an issue assignment.
func (r *CaseResult) Handled() bool {
	return strings.TrimSpace(r.Issues) != ""
}

// HistoryEntry is a case result seen through the routine-wide history view,
// ordered by execution date descending. The engine never mutates entries.
type HistoryEntry struct {
	ID            int64        `json:"id"`
	CaseID        int64        `json:"case_id"`
	BuildID       int64        `json:"build_id"`
	Status        ResultStatus `json:"status"`
	Error         string       `json:"error,omitempty"`
	Issues        string       `json:"issues,omitempty"`
	ExecutionDate string       `json:"execution_date,omitempty"`
	GitHash       string       `json:"git_hash,omitempty"`
}

// Case type names with special handling in the engine.
const (
	CaseTypeAutomatedFunctional = "Automated Functional Test"
	CaseTypePlaywright          = "Playwright Test"
	CaseTypeModulesIntegration  = "Modules Integration Test"
)

// Case is static test-case metadata. Read-only, cached per run.
type Case struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	CaseType    string `json:"case_type,omitempty"`
	ComponentID int64  `json:"component_id,omitempty"`
}

// IsModulesIntegration reports whether the case is a Modules Integration
// Test. These are never auto-classified as flaky.
func (c *Case) IsModulesIntegration() bool {
	return c.CaseType == CaseTypeModulesIntegration
}

// IssueStatusClosed is the tracker status that disqualifies an issue from
// reuse.
const IssueStatusClosed = "Closed"

// Issue is an external tracker entity. The engine creates and closes issues
// but otherwise treats them as externally owned.
type Issue struct {
	Key        string   `json:"key"`
	Status     string   `json:"status,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	Components []string `json:"components,omitempty"`
	Labels     []string `json:"labels,omitempty"`
}

// ResultUpdate is one entry of a batched case-result mutation: set the due
// status and issue keys on a result. Updates are idempotent set-if-unset
// operations from the engine's point of view.
type ResultUpdate struct {
	ResultID int64        `json:"id"`
	Status   ResultStatus `json:"status"`
	Issues   string       `json:"issues"`
}

// SplitIssueKeys splits a comma-separated issue-key string into trimmed,
// non-empty keys. A nil/empty input yields an empty slice.
func SplitIssueKeys(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var keys []string
	for _, part := range strings.Split(s, ",") {
		if key := strings.TrimSpace(part); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// JoinIssueKeys normalizes a set of issue-key strings (each possibly itself
// comma-separated) into a single sorted, de-duplicated CSV. Returns "" when
// nothing remains.
func JoinIssueKeys(chunks ...string) string {
	seen := make(map[string]bool)
	var keys []string
	for _, chunk := range chunks {
		for _, key := range SplitIssueKeys(chunk) {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// MergeIssueKeys unions new issue keys into an existing CSV without ever
// dropping keys already present. This is the only legal way to change a
// populated issues field.
func MergeIssueKeys(existing string, added ...string) string {
	chunks := append([]string{existing}, added...)
	return JoinIssueKeys(chunks...)
}

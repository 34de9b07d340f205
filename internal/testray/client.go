// Package testray talks to the Testray test-execution tracking service.
//
// The engine consumes the Client interface only; the HTTP implementation
// handles OAuth2 client-credentials auth, pagination, and rate limiting so
// callers see flat sequences of typed records.
package testray

import (
	"context"

	"github.com/headlessqa/triage/internal/types"
)

// Client is the Testray capability surface the triage engine needs.
type Client interface {
	// ListBuilds returns all builds of the routine, newest first by
	// creation date.
	ListBuilds(ctx context.Context) ([]types.Build, error)

	// Build fetches one build's metadata, including its git hash.
	Build(ctx context.Context, buildID int64) (*types.Build, error)

	// BuildTasks returns the tasks linked to a build.
	BuildTasks(ctx context.Context, buildID int64) ([]types.Task, error)

	// CreateTask creates an IN_ANALYSIS task for a build.
	CreateTask(ctx context.Context, build *types.Build) (*types.Task, error)

	// CreateTestflow creates the testflow (subtask breakdown) for a task.
	CreateTestflow(ctx context.Context, taskID int64) error

	// SetTaskStatus transitions a task's due status.
	SetTaskStatus(ctx context.Context, taskID int64, status types.TaskStatus) error

	// TaskSubtasks returns all subtasks of a task.
	TaskSubtasks(ctx context.Context, taskID int64) ([]types.Subtask, error)

	// SetSubtaskStatus marks a subtask COMPLETE, optionally associating
	// aggregated issue keys. An empty issues string leaves the field
	// untouched.
	SetSubtaskStatus(ctx context.Context, subtaskID int64, issues string) error

	// SubtaskCaseResults returns the case results under a subtask in
	// fetch order.
	SubtaskCaseResults(ctx context.Context, subtaskID int64) ([]types.CaseResult, error)

	// BatchUpdateCaseResults applies a batch of due-status/issues updates.
	// The batch is all-or-nothing from the caller's perspective: on error
	// no update is reported applied and the whole batch is retried on the
	// next run.
	BatchUpdateCaseResults(ctx context.Context, updates []types.ResultUpdate) error

	// CaseHistory returns the case's results across the whole routine,
	// optionally filtered by status. Pagination is internal.
	CaseHistory(ctx context.Context, caseID int64, statuses []types.ResultStatus) ([]types.HistoryEntry, error)

	// CaseInfo fetches static case metadata with the case type resolved
	// to its name.
	CaseInfo(ctx context.Context, caseID int64) (*types.Case, error)

	// ComponentName resolves a component id to its name.
	ComponentName(ctx context.Context, componentID int64) (string, error)

	// BuildCaseResults returns every case result of a build (for duration
	// lookups and the failure-ranking report).
	BuildCaseResults(ctx context.Context, buildID int64) ([]types.CaseResult, error)

	// CaseTypeIDByName resolves a case type name to its id. Returns 0
	// when the type does not exist.
	CaseTypeIDByName(ctx context.Context, name string) (int64, error)

	// CaseCountByType counts a build's case results of one case type.
	CaseCountByType(ctx context.Context, buildID, caseTypeID int64) (int, error)

	// Autofill copies analysis from a previously completed build into the
	// target build.
	Autofill(ctx context.Context, fromBuildID, toBuildID int64) error
}

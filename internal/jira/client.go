// Package jira is the issue-tracker side of triage: reading issue status,
// searching by JQL, and creating or closing routine-task issues.
package jira

import (
	"context"

	"github.com/headlessqa/triage/internal/types"
)

// Labels the engine attaches to issues it creates.
const (
	LabelRoutineTasks = "hl_routine_tasks"
	LabelTestFix      = "test_fix"
)

// StaleRoutineTasksJQL finds open routine-task issues that are candidates
// for closure once a fully triaged build no longer reproduces them. Test-fix
// issues are excluded: flaky tests stay open until the fix lands.
const StaleRoutineTasksJQL = "labels in ('hl_routine_tasks') AND labels not in ('test_fix') AND status = Open"

// CreateRequest describes a new issue.
type CreateRequest struct {
	Epic        string // parent epic key, empty for none
	Summary     string
	Description string
	Components  []string
	Labels      []string
}

// Client is the tracker capability surface the engine needs.
type Client interface {
	// IssueStatus returns the status name of one issue.
	IssueStatus(ctx context.Context, key string) (string, error)

	// SearchIssues runs a JQL query and returns all matching issues.
	SearchIssues(ctx context.Context, jql string) ([]types.Issue, error)

	// CreateIssue creates an issue and returns it with its key set.
	CreateIssue(ctx context.Context, req CreateRequest) (*types.Issue, error)

	// CloseIssue transitions an issue to Closed, recording the build git
	// hash at which the failure stopped reproducing.
	CloseIssue(ctx context.Context, key, buildHash string) error
}

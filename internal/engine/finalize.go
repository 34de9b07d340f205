package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/headlessqa/triage/internal/jira"
	"github.com/headlessqa/triage/internal/types"
)

// finalize applies everything staged during the scan and, when every subtask
// ends up COMPLETE, closes stale tracker issues and completes the task.
// Returns whether the task was completed.
func (r *runState) finalize(ctx context.Context) (bool, error) {
	if len(r.batchUpdates) > 0 {
		if err := r.engine.testray.BatchUpdateCaseResults(ctx, r.batchUpdates); err != nil {
			return false, fmt.Errorf("failed to apply result updates: %w", err)
		}
		log.Printf("[ENGINE] Applied %d result update(s)", len(r.batchUpdates))
	}

	for _, subtask := range r.subtasksToComplete {
		// Merge into whatever aggregate the subtask already carries; the
		// issues field is set-never-drop.
		issues := types.MergeIssueKeys(subtask.Issues, r.subtaskIssues[subtask.ID]...)
		log.Printf("[ENGINE] Marking subtask %d complete, issues: %q", subtask.ID, issues)
		if err := r.engine.testray.SetSubtaskStatus(ctx, subtask.ID, issues); err != nil {
			return false, fmt.Errorf("failed to complete subtask %d: %w", subtask.ID, err)
		}
	}

	subtasks, err := r.engine.testray.TaskSubtasks(ctx, r.task.ID)
	if err != nil {
		return false, fmt.Errorf("failed to re-fetch subtasks: %w", err)
	}
	for _, subtask := range subtasks {
		if !subtask.Complete() {
			log.Printf("[ENGINE] Task %d not complete yet, subtask %d still %s", r.task.ID, subtask.ID, subtask.Status)
			return false, nil
		}
	}

	r.closeStaleIssues(ctx, subtasks)

	log.Printf("[ENGINE] All subtasks complete, completing task %d", r.task.ID)
	if err := r.engine.testray.SetTaskStatus(ctx, r.task.ID, types.TaskComplete); err != nil {
		return false, fmt.Errorf("failed to complete task %d: %w", r.task.ID, err)
	}
	return true, nil
}

// closeStaleIssues closes open routine-task issues that no subtask of the
// fully triaged build references: the failure stopped reproducing. Closure
// failures are logged and skipped so one stuck issue cannot block task
// completion.
func (r *runState) closeStaleIssues(ctx context.Context, subtasks []types.Subtask) {
	seen := make(map[string]bool)
	for _, subtask := range subtasks {
		for _, key := range types.SplitIssueKeys(subtask.Issues) {
			seen[key] = true
		}
	}

	open, err := r.engine.tracker.SearchIssues(ctx, jira.StaleRoutineTasksJQL)
	if err != nil {
		log.Printf("[ENGINE] Stale-issue search failed: %v", err)
		return
	}

	var toClose []string
	for _, issue := range open {
		if !seen[issue.Key] {
			toClose = append(toClose, issue.Key)
		}
	}
	if len(toClose) == 0 {
		return
	}

	buildHash := r.buildGitHash(ctx)
	log.Printf("[ENGINE] Closing %d stale issue(s) not reproduced in build %d", len(toClose), r.buildID)
	for _, key := range toClose {
		if err := r.engine.tracker.CloseIssue(ctx, key, buildHash); err != nil {
			log.Printf("[ENGINE] Failed to close %s: %v", key, err)
		}
	}
}

func (r *runState) buildGitHash(ctx context.Context) string {
	build, err := r.engine.testray.Build(ctx, r.buildID)
	if err != nil {
		log.Printf("[ENGINE] Build hash lookup failed: %v", err)
		return ""
	}
	return build.GitHash
}

// Package history provides a read-only view over a case's historical results
// for a routine, with the derived queries the classifier and resolver need.
//
// History comes from an external source and is cached per case for the
// duration of one run. The cache is an explicit object injected into the
// reconciliation pass and discarded afterwards, so every run re-derives
// state from the external source of truth.
package history

import (
	"context"
	"fmt"
	"sort"

	"github.com/headlessqa/triage/internal/normalize"
	"github.com/headlessqa/triage/internal/types"
)

// Source fetches the raw history for a case across the whole routine. The
// collaborator handles pagination; the repository sees a flat sequence.
type Source interface {
	CaseHistory(ctx context.Context, caseID int64, statuses []types.ResultStatus) ([]types.HistoryEntry, error)
}

// Repository serves history queries for one run, caching fetches per case.
type Repository struct {
	source    Source
	routineID int64

	all       map[int64][]types.HistoryEntry
	notPassed map[int64][]types.HistoryEntry
}

// NewRepository creates a run-scoped history repository.
func NewRepository(source Source, routineID int64) (*Repository, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	return &Repository{
		source:    source,
		routineID: routineID,
		all:       make(map[int64][]types.HistoryEntry),
		notPassed: make(map[int64][]types.HistoryEntry),
	}, nil
}

// ForCase returns the full history (all statuses) for a case, newest first.
// Empty history is a normal result, not an error.
func (r *Repository) ForCase(ctx context.Context, caseID int64) ([]types.HistoryEntry, error) {
	if entries, ok := r.all[caseID]; ok {
		return entries, nil
	}
	entries, err := r.source.CaseHistory(ctx, caseID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for case %d: %w", caseID, err)
	}
	SortByExecutionDateDesc(entries)
	r.all[caseID] = entries
	return entries, nil
}

// NotPassed returns the history filtered to FAILED, BLOCKED, and TESTFIX,
// newest first.
func (r *Repository) NotPassed(ctx context.Context, caseID int64) ([]types.HistoryEntry, error) {
	if entries, ok := r.notPassed[caseID]; ok {
		return entries, nil
	}
	entries, err := r.source.CaseHistory(ctx, caseID, types.NotPassedStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch not-passed history for case %d: %w", caseID, err)
	}
	SortByExecutionDateDesc(entries)
	r.notPassed[caseID] = entries
	return entries, nil
}

// SortByExecutionDateDesc orders entries newest first. Entries with missing
// or malformed execution dates sort last (treated as unknown).
func SortByExecutionDateDesc(entries []types.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, okI := normalize.ExecutionDate(entries[i].ExecutionDate)
		tj, okJ := normalize.ExecutionDate(entries[j].ExecutionDate)
		if !okI {
			return false
		}
		if !okJ {
			return true
		}
		return ti.After(tj)
	})
}

// LastPassingBefore scans the history for PASSED entries strictly before the
// cutoff date string and returns the one with the latest execution date, or
// nil when none exists. Unparsable dates (cutoff or entry) are skipped, never
// an error.
func LastPassingBefore(entries []types.HistoryEntry, cutoff string) *types.HistoryEntry {
	cutoffTime, ok := normalize.ExecutionDate(cutoff)
	if !ok {
		return nil
	}

	var best *types.HistoryEntry
	var bestTime int64
	for i := range entries {
		entry := &entries[i]
		if entry.Status != types.ResultPassed {
			continue
		}
		t, ok := normalize.ExecutionDate(entry.ExecutionDate)
		if !ok || !t.Before(cutoffTime) {
			continue
		}
		if best == nil || t.Unix() > bestTime {
			best = entry
			bestTime = t.Unix()
		}
	}
	return best
}

// FilterByBuild returns the entries belonging to one build, preserving order.
func FilterByBuild(entries []types.HistoryEntry, buildID int64) []types.HistoryEntry {
	var out []types.HistoryEntry
	for _, entry := range entries {
		if entry.BuildID == buildID {
			out = append(out, entry)
		}
	}
	return out
}

// LastPassingGitHash returns the git hash of the most recent passing run
// before the case's failure in the given build, or "" when unknown.
func (r *Repository) LastPassingGitHash(ctx context.Context, caseID, buildID int64) (string, error) {
	entries, err := r.ForCase(ctx, caseID)
	if err != nil {
		return "", err
	}
	inBuild := FilterByBuild(entries, buildID)
	if len(inBuild) == 0 {
		return "", nil
	}
	last := LastPassingBefore(entries, inBuild[0].ExecutionDate)
	if last == nil {
		return "", nil
	}
	return last.GitHash, nil
}

// FirstFailingGitHash returns the git hash of the first failing run after the
// last passing one, used as the far end of a bisect range. When no prior pass
// exists it falls back to the earliest failure in the current build's window.
// Returns "" when the history cannot answer.
func (r *Repository) FirstFailingGitHash(ctx context.Context, caseID, buildID int64) (string, error) {
	entries, err := r.ForCase(ctx, caseID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	inBuild := FilterByBuild(entries, buildID)
	if len(inBuild) == 0 {
		return "", nil
	}

	lastPassing := LastPassingBefore(entries, inBuild[0].ExecutionDate)
	if lastPassing == nil {
		return inBuild[0].GitHash, nil
	}

	lastPassTime, ok := normalize.ExecutionDate(lastPassing.ExecutionDate)
	if !ok {
		return "", nil
	}

	// Walk oldest-to-newest looking for the first failure after the pass.
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		t, ok := normalize.ExecutionDate(entry.ExecutionDate)
		if !ok {
			continue
		}
		if t.After(lastPassTime) && entry.Status.NotPassed() {
			return entry.GitHash, nil
		}
	}
	return "", nil
}

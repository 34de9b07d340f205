package engine

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/headlessqa/triage/internal/flaky"
	"github.com/headlessqa/triage/internal/history"
	"github.com/headlessqa/triage/internal/jira"
	"github.com/headlessqa/triage/internal/normalize"
	"github.com/headlessqa/triage/internal/resolver"
	"github.com/headlessqa/triage/internal/storage"
	"github.com/headlessqa/triage/internal/types"
)

// runState carries everything scoped to one reconciliation pass. Caches live
// here so repeated lookups within a run cost one fetch and a fresh run sees
// fresh data.
type runState struct {
	engine     *Engine
	runID      string
	buildID    int64
	task       *types.Task
	epic       string
	repo       *history.Repository
	resolver   *resolver.Resolver
	classifier *flaky.Classifier

	caseCache      map[int64]*types.Case
	componentNames map[int64]string
	durations      map[int64]int64 // lazy, nil until first investigation

	batchUpdates       []types.ResultUpdate
	subtasksToComplete []types.Subtask
	subtaskIssues      map[int64][]string
}

// failure is one unhandled not-passed result awaiting group resolution.
type failure struct {
	resultID    int64
	caseID      int64
	componentID int64
	errorText   string
}

// processSubtasks walks every subtask of the task, staging result updates
// and subtask completions. Nothing is written to Testray until finalize.
func (r *runState) processSubtasks(ctx context.Context) error {
	subtasks, err := r.engine.testray.TaskSubtasks(ctx, r.task.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch subtasks: %w", err)
	}

	for _, subtask := range subtasks {
		if err := r.processSubtask(ctx, subtask); err != nil {
			return err
		}
	}
	return nil
}

func (r *runState) processSubtask(ctx context.Context, subtask types.Subtask) error {
	results, err := r.engine.testray.SubtaskCaseResults(ctx, subtask.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch results for subtask %d: %w", subtask.ID, err)
	}
	if len(results) == 0 {
		return nil
	}

	// Bubble any pre-existing result-level issue keys up to the subtask.
	for _, result := range results {
		if result.Handled() {
			r.addSubtaskIssues(subtask.ID, result.Issues)
		}
	}

	if subtask.Complete() {
		return r.backfillIssues(ctx, subtask, results)
	}

	unique, firstSkipped, flakyUnresolved := r.scanResults(ctx, subtask.ID, results)

	groups := groupByNormalizedError(unique)
	resolvedAll := true
	for _, group := range groups {
		if !r.resolveGroup(ctx, subtask.ID, group) {
			resolvedAll = false
		}
	}

	allHandled := firstSkipped || (!flakyUnresolved && (len(unique) == 0 || resolvedAll))
	if allHandled {
		r.subtasksToComplete = append(r.subtasksToComplete, subtask)
	}
	return nil
}

// backfillIssues writes the aggregated issues of an already-complete subtask
// once, when the aggregate is empty but result-level issues exist.
func (r *runState) backfillIssues(ctx context.Context, subtask types.Subtask, results []types.CaseResult) error {
	if subtask.Issues != "" {
		return nil
	}
	chunks := make([]string, 0, len(results))
	for _, result := range results {
		if result.Handled() {
			chunks = append(chunks, result.Issues)
		}
	}
	joined := types.JoinIssueKeys(chunks...)
	if joined == "" {
		return nil
	}
	log.Printf("[ENGINE] Backfilling issues %q onto complete subtask %d", joined, subtask.ID)
	if err := r.engine.testray.SetSubtaskStatus(ctx, subtask.ID, joined); err != nil {
		return fmt.Errorf("failed to backfill subtask %d: %w", subtask.ID, err)
	}
	return nil
}

// scanResults classifies each result of an open subtask. Flaky results are
// staged immediately (TESTFIX); everything else unhandled becomes a failure
// for group resolution.
func (r *runState) scanResults(ctx context.Context, subtaskID int64, results []types.CaseResult) (unique []failure, firstSkipped, flakyUnresolved bool) {
	for i, result := range results {
		if err := result.Validate(); err != nil {
			log.Printf("[ENGINE] Skipping invalid result in subtask %d: %v", subtaskID, err)
			continue
		}

		if shouldSkipResult(result.Errors) {
			if i == 0 {
				// Noise in the first slot condemns the whole subtask.
				firstSkipped = true
			}
			r.recordVerdict(ctx, subtaskID, result, storage.VerdictSkipped, "", "known noise keyword")
			continue
		}

		if result.Handled() {
			continue
		}

		isFlaky, unresolved := r.handleIfFlaky(ctx, subtaskID, result)
		if unresolved {
			flakyUnresolved = true
		}
		if isFlaky {
			continue
		}

		unique = append(unique, failure{
			resultID:    result.ID,
			caseID:      result.CaseID,
			componentID: result.ComponentID,
			errorText:   result.Errors,
		})
	}
	return unique, firstSkipped, flakyUnresolved
}

// handleIfFlaky runs flakiness classification on one result. When flaky, it
// reuses open test-fix issues if any exist, otherwise creates a new one.
// Returns (handled as flaky, could not resolve).
func (r *runState) handleIfFlaky(ctx context.Context, subtaskID int64, result types.CaseResult) (bool, bool) {
	caseInfo, err := r.caseInfo(ctx, result.CaseID)
	if err != nil {
		log.Printf("[ENGINE] Case lookup failed for result %d: %v", result.ID, err)
		return false, false
	}

	// Modules integration failures are environment-heavy; a human decides
	// whether they are flaky.
	if caseInfo.IsModulesIntegration() {
		return false, false
	}

	hist, err := r.repo.ForCase(ctx, result.CaseID)
	if err != nil {
		log.Printf("[ENGINE] History fetch failed for case %d: %v", result.CaseID, err)
		return false, false
	}

	errorNorm := normalize.Error(result.Errors)
	isFlaky, stats := r.classifier.IsFlaky(ctx, errorNorm, hist)
	if !isFlaky {
		return false, false
	}
	log.Printf("[ENGINE] Result %d classified flaky (score %.2f, failure rate %.2f)",
		result.ID, stats.FlakinessScore, stats.FailureRate)

	keys, err := r.resolver.OpenIssueKeys(ctx, result.CaseID, result.Errors)
	if err != nil {
		log.Printf("[ENGINE] Open-issue scan failed for case %d: %v", result.CaseID, err)
		return true, true
	}
	if len(keys) > 0 {
		joined := types.JoinIssueKeys(keys...)
		log.Printf("[ENGINE] Reassigning open issues %s to flaky result %d", joined, result.ID)
		r.stageUpdate(subtaskID, types.ResultUpdate{ResultID: result.ID, Status: types.ResultTestFix, Issues: joined})
		r.recordVerdict(ctx, subtaskID, result, storage.VerdictFlakyReused, joined, "")
		return true, false
	}

	issue, err := r.createTestFixIssue(ctx, caseInfo, result)
	if err != nil {
		log.Printf("[ENGINE] Test-fix issue creation failed for result %d: %v", result.ID, err)
		r.recordVerdict(ctx, subtaskID, result, storage.VerdictUnresolved, "", err.Error())
		return true, true
	}
	log.Printf("[ENGINE] Created test-fix issue %s for case %d", issue.Key, result.CaseID)
	r.stageUpdate(subtaskID, types.ResultUpdate{ResultID: result.ID, Status: types.ResultTestFix, Issues: issue.Key})
	r.recordVerdict(ctx, subtaskID, result, storage.VerdictFlakyNewIssue, issue.Key, "")
	return true, false
}

func (r *runState) createTestFixIssue(ctx context.Context, caseInfo *types.Case, result types.CaseResult) (*types.Issue, error) {
	componentName := r.componentName(ctx, caseInfo.ComponentID)
	link := jira.ResultLink(r.engine.cfg.TestrayBaseURL, r.engine.cfg.ProjectID, r.engine.cfg.RoutineID, r.buildID, result.ID)
	return r.engine.tracker.CreateIssue(ctx, jira.CreateRequest{
		Epic:        r.epic,
		Summary:     jira.TestFixSummary(caseInfo.Name, result.Errors),
		Description: jira.TestFixDescription(link, result.Errors, caseInfo.Name, componentName, result.ID),
		Components:  []string{r.engine.cfg.Components.Map(componentName)},
		Labels:      []string{jira.LabelRoutineTasks, jira.LabelTestFix},
	})
}

// groupByNormalizedError buckets failures so each distinct error maps to its
// own issue. Iteration order follows first appearance.
func groupByNormalizedError(failures []failure) [][]failure {
	index := make(map[string]int)
	var groups [][]failure
	for _, f := range failures {
		key := normalize.Error(f.errorText)
		if i, ok := index[key]; ok {
			groups[i] = append(groups[i], f)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []failure{f})
	}
	return groups
}

// resolveGroup assigns one error group to an issue: a reused open issue when
// history shows a similar error, otherwise a new investigation. Returns
// false when the group stays unresolved.
func (r *runState) resolveGroup(ctx context.Context, subtaskID int64, group []failure) bool {
	first := group[0]
	found, resolution, err := r.resolver.FindReusableIssue(ctx, first.caseID, first.errorText)
	if err != nil {
		log.Printf("[ENGINE] Issue reuse scan failed for case %d: %v", first.caseID, err)
		return false
	}

	if found {
		log.Printf("[ENGINE] Reusing open issues %s for %d result(s)", resolution.Issues, len(group))
		for _, f := range group {
			r.stageUpdate(subtaskID, types.ResultUpdate{ResultID: f.resultID, Status: resolution.Status, Issues: resolution.Issues})
			r.recordFailureVerdict(ctx, subtaskID, f, storage.VerdictReusedIssue, resolution.Issues, "")
		}
		return true
	}

	issue, err := r.createInvestigationIssue(ctx, subtaskID, group)
	if err != nil {
		log.Printf("[ENGINE] Investigation creation failed for subtask %d: %v", subtaskID, err)
		for _, f := range group {
			r.recordFailureVerdict(ctx, subtaskID, f, storage.VerdictUnresolved, "", err.Error())
		}
		return false
	}
	log.Printf("[ENGINE] Created investigation %s for subtask %d", issue.Key, subtaskID)
	for _, f := range group {
		r.stageUpdate(subtaskID, types.ResultUpdate{ResultID: f.resultID, Status: types.ResultBlocked, Issues: issue.Key})
		r.recordFailureVerdict(ctx, subtaskID, f, storage.VerdictNewIssue, issue.Key, "")
	}
	return true
}

// createInvestigationIssue builds and files the investigation for one error
// group: a case table sorted by duration plus RCA parameters derived from
// the first case with a known batch.
func (r *runState) createInvestigationIssue(ctx context.Context, subtaskID int64, group []failure) (*types.Issue, error) {
	durations := r.durationLookup(ctx)

	sorted := make([]failure, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		return durationOf(durations, sorted[i].caseID) < durationOf(durations, sorted[j].caseID)
	})

	var rows []jira.CaseRow
	var rca *jira.RCADetails
	componentName := "Unknown"
	for _, f := range sorted {
		caseInfo, err := r.caseInfo(ctx, f.caseID)
		if err != nil {
			log.Printf("[ENGINE] Case lookup failed for case %d: %v", f.caseID, err)
			continue
		}
		name := r.componentName(ctx, f.componentID)
		if name != "Unknown" {
			componentName = name
		}

		rows = append(rows, jira.CaseRow{
			Name:      caseInfo.Name,
			Component: name,
			Duration:  durationOf(durations, f.caseID),
		})

		if rca == nil {
			if batch, selector := jira.BatchInfo(caseInfo.Name, caseInfo.CaseType); batch != "" {
				passing, _ := r.repo.LastPassingGitHash(ctx, f.caseID, r.buildID)
				failing, _ := r.repo.FirstFailingGitHash(ctx, f.caseID, r.buildID)
				rca = &jira.RCADetails{
					BatchName:    batch,
					TestSelector: selector,
					CompareURL:   jira.CompareURL(passing, failing),
				}
			}
		}
	}

	errGroup := jira.ErrorGroup{Error: group[0].errorText, Rows: rows, RCA: rca}
	return r.engine.tracker.CreateIssue(ctx, jira.CreateRequest{
		Epic:        r.epic,
		Summary:     jira.InvestigationSummary(group[0].errorText),
		Description: jira.InvestigationDescription(r.engine.cfg.TestrayBaseURL, r.task.ID, subtaskID, []jira.ErrorGroup{errGroup}),
		Components:  []string{r.engine.cfg.Components.Map(componentName)},
		Labels:      []string{jira.LabelRoutineTasks},
	})
}

// durationLookup lazily fetches the build's case durations. The fetch is
// expensive, so it only happens once and only when an investigation needs
// it.
func (r *runState) durationLookup(ctx context.Context) map[int64]int64 {
	if r.durations != nil {
		return r.durations
	}
	r.durations = make(map[int64]int64)
	results, err := r.engine.testray.BuildCaseResults(ctx, r.buildID)
	if err != nil {
		log.Printf("[ENGINE] Duration lookup failed for build %d: %v", r.buildID, err)
		return r.durations
	}
	for _, result := range results {
		if result.CaseID != 0 {
			r.durations[result.CaseID] = result.Duration
		}
	}
	return r.durations
}

func durationOf(durations map[int64]int64, caseID int64) int64 {
	if d, ok := durations[caseID]; ok {
		return d
	}
	return -1
}

func (r *runState) caseInfo(ctx context.Context, caseID int64) (*types.Case, error) {
	if info, ok := r.caseCache[caseID]; ok {
		return info, nil
	}
	info, err := r.engine.testray.CaseInfo(ctx, caseID)
	if err != nil {
		return nil, err
	}
	r.caseCache[caseID] = info
	return info, nil
}

func (r *runState) componentName(ctx context.Context, componentID int64) string {
	if componentID == 0 {
		return "Unknown"
	}
	if name, ok := r.componentNames[componentID]; ok {
		return name
	}
	name, err := r.engine.testray.ComponentName(ctx, componentID)
	if err != nil || name == "" {
		log.Printf("[ENGINE] Component lookup failed for %d: %v", componentID, err)
		name = "Unknown"
	}
	r.componentNames[componentID] = name
	return name
}

func (r *runState) stageUpdate(subtaskID int64, update types.ResultUpdate) {
	r.batchUpdates = append(r.batchUpdates, update)
	r.addSubtaskIssues(subtaskID, update.Issues)
}

func (r *runState) addSubtaskIssues(subtaskID int64, issues string) {
	if issues == "" {
		return
	}
	r.subtaskIssues[subtaskID] = append(r.subtaskIssues[subtaskID], issues)
}

func (r *runState) recordVerdict(ctx context.Context, subtaskID int64, result types.CaseResult, verdict, issues, detail string) {
	r.engine.recordDecision(ctx, storage.Decision{
		RunID:     r.runID,
		SubtaskID: subtaskID,
		ResultID:  result.ID,
		CaseID:    result.CaseID,
		Verdict:   verdict,
		Issues:    issues,
		Detail:    detail,
	})
}

func (r *runState) recordFailureVerdict(ctx context.Context, subtaskID int64, f failure, verdict, issues, detail string) {
	r.engine.recordDecision(ctx, storage.Decision{
		RunID:     r.runID,
		SubtaskID: subtaskID,
		ResultID:  f.resultID,
		CaseID:    f.caseID,
		Verdict:   verdict,
		Issues:    issues,
		Detail:    detail,
	})
}

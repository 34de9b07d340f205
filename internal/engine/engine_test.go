package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlessqa/triage/internal/flaky"
	"github.com/headlessqa/triage/internal/jira"
	"github.com/headlessqa/triage/internal/similarity"
	"github.com/headlessqa/triage/internal/types"
)

// fakeTestray is an in-memory Client that records mutations.
type fakeTestray struct {
	builds           []types.Build
	tasksByBuild     map[int64][]types.Task
	subtasksByTask   map[int64][]types.Subtask
	resultsBySubtask map[int64][]types.CaseResult
	historyByCase    map[int64][]types.HistoryEntry
	casesByID        map[int64]*types.Case
	componentsByID   map[int64]string
	buildResults     []types.CaseResult

	batchErr error

	createdTasks  int
	testflows     []int64
	taskStatuses  map[int64]types.TaskStatus
	subtaskIssues map[int64]string
	batchCalls    [][]types.ResultUpdate
	autofills     [][2]int64
	nextTaskID    int64
}

func newFakeTestray() *fakeTestray {
	return &fakeTestray{
		tasksByBuild:     make(map[int64][]types.Task),
		subtasksByTask:   make(map[int64][]types.Subtask),
		resultsBySubtask: make(map[int64][]types.CaseResult),
		historyByCase:    make(map[int64][]types.HistoryEntry),
		casesByID:        make(map[int64]*types.Case),
		componentsByID:   make(map[int64]string),
		taskStatuses:     make(map[int64]types.TaskStatus),
		subtaskIssues:    make(map[int64]string),
		nextTaskID:       1000,
	}
}

func (f *fakeTestray) ListBuilds(ctx context.Context) ([]types.Build, error) {
	return f.builds, nil
}

func (f *fakeTestray) Build(ctx context.Context, buildID int64) (*types.Build, error) {
	for i := range f.builds {
		if f.builds[i].ID == buildID {
			return &f.builds[i], nil
		}
	}
	return nil, fmt.Errorf("build %d not found", buildID)
}

func (f *fakeTestray) BuildTasks(ctx context.Context, buildID int64) ([]types.Task, error) {
	return f.tasksByBuild[buildID], nil
}

func (f *fakeTestray) CreateTask(ctx context.Context, build *types.Build) (*types.Task, error) {
	f.createdTasks++
	f.nextTaskID++
	task := types.Task{ID: f.nextTaskID, Name: build.Name, BuildID: build.ID, Status: types.TaskInAnalysis}
	f.tasksByBuild[build.ID] = append(f.tasksByBuild[build.ID], task)
	return &task, nil
}

func (f *fakeTestray) CreateTestflow(ctx context.Context, taskID int64) error {
	f.testflows = append(f.testflows, taskID)
	return nil
}

func (f *fakeTestray) SetTaskStatus(ctx context.Context, taskID int64, status types.TaskStatus) error {
	f.taskStatuses[taskID] = status
	return nil
}

func (f *fakeTestray) TaskSubtasks(ctx context.Context, taskID int64) ([]types.Subtask, error) {
	return f.subtasksByTask[taskID], nil
}

func (f *fakeTestray) SetSubtaskStatus(ctx context.Context, subtaskID int64, issues string) error {
	f.subtaskIssues[subtaskID] = issues
	for taskID, subtasks := range f.subtasksByTask {
		for i := range subtasks {
			if subtasks[i].ID == subtaskID {
				subtasks[i].Status = types.SubtaskComplete
				if issues != "" {
					subtasks[i].Issues = issues
				}
				f.subtasksByTask[taskID] = subtasks
			}
		}
	}
	return nil
}

func (f *fakeTestray) SubtaskCaseResults(ctx context.Context, subtaskID int64) ([]types.CaseResult, error) {
	return f.resultsBySubtask[subtaskID], nil
}

func (f *fakeTestray) BatchUpdateCaseResults(ctx context.Context, updates []types.ResultUpdate) error {
	if f.batchErr != nil {
		return f.batchErr
	}
	f.batchCalls = append(f.batchCalls, updates)
	return nil
}

func (f *fakeTestray) CaseHistory(ctx context.Context, caseID int64, statuses []types.ResultStatus) ([]types.HistoryEntry, error) {
	entries := f.historyByCase[caseID]
	if len(statuses) == 0 {
		return entries, nil
	}
	var filtered []types.HistoryEntry
	for _, entry := range entries {
		for _, status := range statuses {
			if entry.Status == status {
				filtered = append(filtered, entry)
				break
			}
		}
	}
	return filtered, nil
}

func (f *fakeTestray) CaseInfo(ctx context.Context, caseID int64) (*types.Case, error) {
	if info, ok := f.casesByID[caseID]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("case %d not found", caseID)
}

func (f *fakeTestray) ComponentName(ctx context.Context, componentID int64) (string, error) {
	return f.componentsByID[componentID], nil
}

func (f *fakeTestray) BuildCaseResults(ctx context.Context, buildID int64) ([]types.CaseResult, error) {
	return f.buildResults, nil
}

func (f *fakeTestray) CaseTypeIDByName(ctx context.Context, name string) (int64, error) {
	return 0, nil
}

func (f *fakeTestray) CaseCountByType(ctx context.Context, buildID, caseTypeID int64) (int, error) {
	return 0, nil
}

func (f *fakeTestray) Autofill(ctx context.Context, fromBuildID, toBuildID int64) error {
	f.autofills = append(f.autofills, [2]int64{fromBuildID, toBuildID})
	return nil
}

// fakeTracker is an in-memory jira.Client.
type fakeTracker struct {
	statuses    map[string]string
	epics       []types.Issue
	staleIssues []types.Issue

	created []jira.CreateRequest
	closed  map[string]string
	nextKey int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		statuses: make(map[string]string),
		closed:   make(map[string]string),
		nextKey:  500,
	}
}

func (f *fakeTracker) IssueStatus(ctx context.Context, key string) (string, error) {
	if status, ok := f.statuses[key]; ok {
		return status, nil
	}
	return "", fmt.Errorf("issue %s not found", key)
}

func (f *fakeTracker) SearchIssues(ctx context.Context, jql string) ([]types.Issue, error) {
	if jql == jira.StaleRoutineTasksJQL {
		return f.staleIssues, nil
	}
	return f.epics, nil
}

func (f *fakeTracker) CreateIssue(ctx context.Context, req jira.CreateRequest) (*types.Issue, error) {
	f.created = append(f.created, req)
	f.nextKey++
	key := fmt.Sprintf("LPD-%d", f.nextKey)
	f.statuses[key] = "Open"
	return &types.Issue{Key: key, Summary: req.Summary, Labels: req.Labels}, nil
}

func (f *fakeTracker) CloseIssue(ctx context.Context, key, buildHash string) error {
	f.closed[key] = buildHash
	f.statuses[key] = types.IssueStatusClosed
	return nil
}

func newTestEngine(t *testing.T, tr *fakeTestray, tracker *fakeTracker) *Engine {
	t.Helper()
	matcher, err := similarity.NewMatcher(similarity.NewJaccardOracle(), similarity.DefaultThreshold)
	require.NoError(t, err)
	classifier, err := flaky.NewClassifier(matcher, flaky.DefaultConfig())
	require.NoError(t, err)

	eng, err := New(Config{
		TestrayBaseURL: "https://testray.example.com",
		ProjectID:      35392,
		RoutineID:      994140,
		Now:            func() time.Time { return time.Date(2026, time.August, 29, 0, 0, 0, 0, time.UTC) },
	}, tr, tracker, matcher, classifier, nil)
	require.NoError(t, err)
	return eng
}

func doneBuild(id int64, hash string, created time.Time) types.Build {
	return types.Build{ID: id, Name: fmt.Sprintf("build-%d", id), GitHash: hash, ImportStatus: types.ImportStatusDone, DateCreated: created}
}

func TestRunSkipsWhenLatestBuildNotDone(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{{ID: 1, Name: "b1", ImportStatus: "INPROGRESS"}}

	result, err := newTestEngine(t, tr, newFakeTracker()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 0, tr.createdTasks)
}

func TestRunCreatesTaskAndTestflowWhenMissing(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}

	result, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, tr.createdTasks)
	assert.Len(t, tr.testflows, 1)
	// A fresh testflow has no subtasks, so the task completes immediately.
	assert.True(t, result.TaskCompleted)
}

func TestRunStopsOnAbandonedTask(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskAbandoned}}

	result, err := newTestEngine(t, tr, newFakeTracker()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, tr.batchCalls)
}

func TestRunStopsOnCompleteTask(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskComplete}}

	result, err := newTestEngine(t, tr, newFakeTracker()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestRunAutofillsFromNewestCompletedBuild(t *testing.T) {
	now := time.Now()
	tr := newFakeTestray()
	tr.builds = []types.Build{
		doneBuild(3, "ccc", now),
		doneBuild(2, "bbb", now.Add(-time.Hour)),
		doneBuild(1, "aaa", now.Add(-2*time.Hour)),
	}
	tr.tasksByBuild[3] = []types.Task{{ID: 30, BuildID: 3, Status: types.TaskInAnalysis}}
	tr.tasksByBuild[2] = []types.Task{{ID: 20, BuildID: 2, Status: types.TaskComplete}}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskComplete}}

	_, err := newTestEngine(t, tr, newFakeTracker()).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, tr.autofills, 1)
	assert.Equal(t, [2]int64{2, 3}, tr.autofills[0])
}

// TestRunEndToEnd drives the full state machine: one failure matches an open
// historical issue, one needs a new investigation, the subtask completes
// with the merged keys, the task completes, and a stale issue gets closed.
func TestRunEndToEnd(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "headhash", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{{ID: 20, TaskID: 10, Status: types.SubtaskOpen}}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 1, ComponentID: 5, Status: types.ResultFailed, Errors: `element "foo" not found`},
		{ID: 101, CaseID: 2, ComponentID: 5, Status: types.ResultFailed, Errors: "timeout waiting for server"},
	}
	// Case 1 failed before with the same normalized error and an open issue.
	tr.historyByCase[1] = []types.HistoryEntry{
		{ID: 900, CaseID: 1, Status: types.ResultFailed, Error: `element "bar" not found`, Issues: "LPD-100", ExecutionDate: "2026-08-01 10:00:00"},
	}
	tr.casesByID[1] = &types.Case{ID: 1, Name: "CaseOne", CaseType: types.CaseTypeAutomatedFunctional, ComponentID: 5}
	tr.casesByID[2] = &types.Case{ID: 2, Name: "CaseTwo", CaseType: types.CaseTypeAutomatedFunctional, ComponentID: 5}
	tr.componentsByID[5] = "Headless"
	tr.buildResults = []types.CaseResult{{ID: 101, CaseID: 2, Duration: 30000}}

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}
	tracker.statuses["LPD-100"] = "Open"
	tracker.staleIssues = []types.Issue{{Key: "LPD-100"}, {Key: "LPD-777"}}

	result, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)

	// One batch, two updates: reuse then new issue.
	require.Len(t, tr.batchCalls, 1)
	updates := tr.batchCalls[0]
	require.Len(t, updates, 2)
	assert.Equal(t, types.ResultUpdate{ResultID: 100, Status: types.ResultBlocked, Issues: "LPD-100"}, updates[0])
	assert.Equal(t, types.ResultBlocked, updates[1].Status)
	createdKey := updates[1].Issues
	assert.NotEmpty(t, createdKey)
	assert.NotEqual(t, "LPD-100", createdKey)

	// The investigation carried the routine label and the case table.
	require.Len(t, tracker.created, 1)
	inv := tracker.created[0]
	assert.Equal(t, "LPD-1", inv.Epic)
	assert.Equal(t, []string{jira.LabelRoutineTasks}, inv.Labels)
	assert.Contains(t, inv.Summary, "Investigate timeout waiting for server")
	assert.Contains(t, inv.Description, "| CaseTwo | Headless | 0m 30s |")

	// Subtask completed with the union of both keys.
	assert.Equal(t, types.JoinIssueKeys("LPD-100", createdKey), tr.subtaskIssues[20])

	// Task completed, stale issue closed with the build hash, seen issue kept.
	assert.True(t, result.TaskCompleted)
	assert.Equal(t, types.TaskComplete, tr.taskStatuses[10])
	assert.Equal(t, "headhash", tracker.closed["LPD-777"])
	assert.NotContains(t, tracker.closed, "LPD-100")
}

func TestRunGroupsSameErrorIntoOneIssue(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "headhash", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{{ID: 20, TaskID: 10, Status: types.SubtaskOpen}}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 1, ComponentID: 5, Status: types.ResultFailed, Errors: "connection refused by gateway"},
		{ID: 101, CaseID: 2, ComponentID: 5, Status: types.ResultFailed, Errors: "connection refused by gateway"},
		{ID: 102, CaseID: 3, ComponentID: 5, Status: types.ResultFailed, Errors: "connection refused by gateway"},
		{ID: 103, CaseID: 4, ComponentID: 5, Status: types.ResultFailed, Errors: "missing column in result set"},
	}
	for id := int64(1); id <= 4; id++ {
		tr.casesByID[id] = &types.Case{ID: id, Name: fmt.Sprintf("Case%d", id), CaseType: types.CaseTypeAutomatedFunctional, ComponentID: 5}
	}
	tr.componentsByID[5] = "Headless"

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}

	result, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.TaskCompleted)

	// One issue per error group, not per result.
	require.Len(t, tracker.created, 2)

	require.Len(t, tr.batchCalls, 1)
	updates := tr.batchCalls[0]
	require.Len(t, updates, 4)
	groupKey := updates[0].Issues
	for _, update := range updates[:3] {
		assert.Equal(t, types.ResultBlocked, update.Status)
		assert.Equal(t, groupKey, update.Issues)
	}
	assert.Equal(t, types.ResultBlocked, updates[3].Status)
	assert.NotEqual(t, groupKey, updates[3].Issues)
}

func TestRunFlakyResultReusesOpenIssues(t *testing.T) {
	flakyError := "socket reset during upload"
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{{ID: 20, TaskID: 10, Status: types.SubtaskOpen}}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 3, Status: types.ResultFailed, Errors: flakyError},
	}
	// Oscillating history with the same error: classic flaky signature.
	var hist []types.HistoryEntry
	for i := 0; i < 8; i++ {
		status := types.ResultPassed
		errText := ""
		if i%2 == 0 {
			status = types.ResultFailed
			errText = flakyError
		}
		entry := types.HistoryEntry{
			ID: int64(900 + i), CaseID: 3, Status: status, Error: errText,
			ExecutionDate: fmt.Sprintf("2026-08-%02d 10:00:00", 20-i),
		}
		if i == 2 {
			entry.Issues = "LPD-300"
		}
		hist = append(hist, entry)
	}
	tr.historyByCase[3] = hist
	tr.casesByID[3] = &types.Case{ID: 3, Name: "FlakyCase", CaseType: types.CaseTypeAutomatedFunctional}

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}
	tracker.statuses["LPD-300"] = "Open"

	result, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, tr.batchCalls, 1)
	require.Len(t, tr.batchCalls[0], 1)
	update := tr.batchCalls[0][0]
	assert.Equal(t, types.ResultTestFix, update.Status)
	assert.Equal(t, "LPD-300", update.Issues)
	assert.Empty(t, tracker.created, "no new issue when an open one can be reused")
	assert.True(t, result.TaskCompleted)
}

func TestRunFlakyResultCreatesTestFixIssue(t *testing.T) {
	flakyError := "socket reset during upload"
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{{ID: 20, TaskID: 10, Status: types.SubtaskOpen}}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 3, ComponentID: 5, Status: types.ResultFailed, Errors: flakyError},
	}
	var hist []types.HistoryEntry
	for i := 0; i < 8; i++ {
		status := types.ResultPassed
		errText := ""
		if i%2 == 0 {
			status = types.ResultFailed
			errText = flakyError
		}
		hist = append(hist, types.HistoryEntry{
			ID: int64(900 + i), CaseID: 3, Status: status, Error: errText,
			ExecutionDate: fmt.Sprintf("2026-08-%02d 10:00:00", 20-i),
		})
	}
	tr.historyByCase[3] = hist
	tr.casesByID[3] = &types.Case{ID: 3, Name: "FlakyCase", CaseType: types.CaseTypeAutomatedFunctional, ComponentID: 5}
	tr.componentsByID[5] = "Headless"

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}

	_, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, tracker.created, 1)
	req := tracker.created[0]
	assert.Contains(t, req.Summary, "Test Fix: FlakyCase")
	assert.Contains(t, req.Labels, jira.LabelTestFix)
	require.Len(t, tr.batchCalls, 1)
	assert.Equal(t, types.ResultTestFix, tr.batchCalls[0][0].Status)
}

func TestRunModulesIntegrationNeverFlaky(t *testing.T) {
	flakyError := "socket reset during upload"
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{{ID: 20, TaskID: 10, Status: types.SubtaskOpen}}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 4, Status: types.ResultFailed, Errors: flakyError},
	}
	var hist []types.HistoryEntry
	for i := 0; i < 8; i++ {
		status := types.ResultPassed
		errText := ""
		if i%2 == 0 {
			status = types.ResultFailed
			errText = flakyError
		}
		hist = append(hist, types.HistoryEntry{
			ID: int64(900 + i), CaseID: 4, Status: status, Error: errText,
			ExecutionDate: fmt.Sprintf("2026-08-%02d 10:00:00", 20-i),
		})
	}
	tr.historyByCase[4] = hist
	tr.casesByID[4] = &types.Case{ID: 4, Name: "com.liferay.SomeIT", CaseType: types.CaseTypeModulesIntegration}

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}

	_, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)

	// The oscillating history would read flaky, but modules integration
	// failures go through the normal investigation path instead.
	require.Len(t, tr.batchCalls, 1)
	assert.Equal(t, types.ResultBlocked, tr.batchCalls[0][0].Status)
}

func TestRunFirstResultNoiseShortCircuitsSubtask(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{{ID: 20, TaskID: 10, Status: types.SubtaskOpen}}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 1, Status: types.ResultFailed, Errors: "TEST_SETUP_ERROR: database down"},
	}

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}

	result, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, tr.batchCalls)
	assert.Empty(t, tracker.created)
	assert.Contains(t, tr.subtaskIssues, int64(20))
	assert.True(t, result.TaskCompleted)
}

func TestRunAssertionErrorOverridesNoiseKeyword(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{{ID: 20, TaskID: 10, Status: types.SubtaskOpen}}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 1, Status: types.ResultFailed,
			Errors: "Skipped test: java.lang.AssertionError: expected 200"},
	}
	tr.casesByID[1] = &types.Case{ID: 1, Name: "CaseOne", CaseType: types.CaseTypeAutomatedFunctional}

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}

	_, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)

	// Not skipped: the assertion failure produced a new investigation.
	require.Len(t, tracker.created, 1)
	require.Len(t, tr.batchCalls, 1)
}

func TestRunNoEpicStillCreatesIssues(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{{ID: 20, TaskID: 10, Status: types.SubtaskOpen}}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 1, Status: types.ResultFailed, Errors: "brand new failure"},
	}
	tr.casesByID[1] = &types.Case{ID: 1, Name: "CaseOne", CaseType: types.CaseTypeAutomatedFunctional}

	tracker := newFakeTracker() // zero epics

	result, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)

	// No epic match degrades to epic-less creation, never to inaction.
	require.Len(t, tracker.created, 1)
	assert.Empty(t, tracker.created[0].Epic)
	require.Len(t, tr.batchCalls, 1)
	require.Len(t, tr.batchCalls[0], 1)
	assert.Equal(t, types.ResultBlocked, tr.batchCalls[0][0].Status)
	assert.True(t, result.TaskCompleted)
}

func TestRunSurfacesBatchFailureBeforeCompletionWrites(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{{ID: 20, TaskID: 10, Status: types.SubtaskOpen}}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 1, Status: types.ResultFailed, Errors: "gateway unreachable"},
	}
	tr.casesByID[1] = &types.Case{ID: 1, Name: "CaseOne", CaseType: types.CaseTypeAutomatedFunctional}
	tr.batchErr = fmt.Errorf("503 from objects api")

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}

	_, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply result updates")

	// A failed batch must leave subtasks and the task untouched for a retry.
	assert.Empty(t, tr.subtaskIssues)
	assert.Empty(t, tr.taskStatuses)
}

func TestRunIdempotentOnTriagedBuild(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{
		{ID: 20, TaskID: 10, Status: types.SubtaskComplete, Issues: "LPD-100"},
	}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 1, Status: types.ResultBlocked, Errors: "x", Issues: "LPD-100"},
	}

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}
	tracker.staleIssues = []types.Issue{{Key: "LPD-100"}}

	result, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, tr.batchCalls)
	assert.Empty(t, tracker.created)
	assert.Empty(t, tracker.closed)
	assert.True(t, result.TaskCompleted)
}

func TestRunBackfillsCompleteSubtaskIssues(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{
		{ID: 20, TaskID: 10, Status: types.SubtaskComplete}, // aggregate empty
	}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 1, Status: types.ResultBlocked, Errors: "x", Issues: "LPD-5, LPD-6"},
		{ID: 101, CaseID: 2, Status: types.ResultBlocked, Errors: "y", Issues: "LPD-5"},
	}

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}

	_, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "LPD-5, LPD-6", tr.subtaskIssues[20])
}

func TestRunCompletionKeepsExistingSubtaskIssues(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskInAnalysis}}
	tr.subtasksByTask[10] = []types.Subtask{
		{ID: 20, TaskID: 10, Status: types.SubtaskOpen, Issues: "LPD-9"},
	}
	tr.resultsBySubtask[20] = []types.CaseResult{
		{ID: 100, CaseID: 1, Status: types.ResultFailed, Errors: "index out of range"},
	}
	tr.historyByCase[1] = []types.HistoryEntry{
		{ID: 900, CaseID: 1, Status: types.ResultFailed, Error: "index out of range", Issues: "LPD-100", ExecutionDate: "2026-08-01 10:00:00"},
	}
	tr.casesByID[1] = &types.Case{ID: 1, Name: "CaseOne", CaseType: types.CaseTypeAutomatedFunctional}

	tracker := newFakeTracker()
	tracker.epics = []types.Issue{{Key: "LPD-1"}}
	tracker.statuses["LPD-100"] = "Open"

	_, err := newTestEngine(t, tr, tracker).Run(context.Background())
	require.NoError(t, err)

	// Completing the subtask merges new keys into the aggregate it already
	// carried instead of overwriting it.
	assert.Equal(t, "LPD-100, LPD-9", tr.subtaskIssues[20])
}

func TestReanalyzeLatestTask(t *testing.T) {
	tr := newFakeTestray()
	tr.builds = []types.Build{doneBuild(1, "abc", time.Now())}
	tr.tasksByBuild[1] = []types.Task{{ID: 10, BuildID: 1, Status: types.TaskAbandoned}}

	taskID, err := newTestEngine(t, tr, newFakeTracker()).ReanalyzeLatestTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), taskID)
	assert.Equal(t, types.TaskInAnalysis, tr.taskStatuses[10])
}

func TestShouldSkipResult(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want bool
	}{
		{"setup error", "TEST_SETUP_ERROR: no db", true},
		{"build failed prior", "The build failed prior to running the test", true},
		{"assertion overrides", "Skipped test: AssertionError: want 1 got 2", false},
		{"regular failure", "element not found", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldSkipResult(tt.err))
		})
	}
}

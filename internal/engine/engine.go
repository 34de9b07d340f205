// Package engine drives the triage reconciliation pass: poll the latest
// build, classify every unhandled failure as flaky, known, or new, reconcile
// issue assignments with the tracker, and walk the result, subtask, and task
// state machine toward completion.
//
// The pass is idempotent: a handled result is never re-triaged, a completed
// subtask is never reopened, and re-running against a fully triaged build is
// a no-op.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/headlessqa/triage/internal/flaky"
	"github.com/headlessqa/triage/internal/history"
	"github.com/headlessqa/triage/internal/jira"
	"github.com/headlessqa/triage/internal/resolver"
	"github.com/headlessqa/triage/internal/similarity"
	"github.com/headlessqa/triage/internal/storage"
	"github.com/headlessqa/triage/internal/testray"
	"github.com/headlessqa/triage/internal/types"
)

// Config holds engine settings.
type Config struct {
	// TestrayBaseURL is used for deep links embedded in issue bodies.
	TestrayBaseURL string

	// ProjectID and RoutineID identify the Testray project and routine
	// being triaged.
	ProjectID int64
	RoutineID int64

	// Components maps Testray component names to tracker component names.
	Components jira.ComponentMapper

	// Now supplies the reference time for quarter-scoped epic lookup.
	// Defaults to time.Now.
	Now func() time.Time
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.TestrayBaseURL == "" {
		return fmt.Errorf("testray base url is required")
	}
	if c.RoutineID == 0 {
		return fmt.Errorf("routine id is required")
	}
	return nil
}

// Recorder receives the audit trail of a run. All methods are best-effort
// from the engine's perspective: recording failures are logged, never fatal.
type Recorder interface {
	BeginRun(ctx context.Context, buildID int64) (string, error)
	SetRunTask(ctx context.Context, runID string, taskID int64) error
	FinishRun(ctx context.Context, runID, outcome, detail string) error
	RecordDecision(ctx context.Context, d storage.Decision) error
}

// Engine is the triage orchestrator.
type Engine struct {
	cfg        Config
	testray    testray.Client
	tracker    jira.Client
	matcher    *similarity.Matcher
	classifier *flaky.Classifier
	recorder   Recorder
}

// New creates an engine. recorder may be nil.
func New(cfg Config, tr testray.Client, tracker jira.Client, matcher *similarity.Matcher, classifier *flaky.Classifier, recorder Recorder) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if tr == nil {
		return nil, fmt.Errorf("testray client is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker client is required")
	}
	if matcher == nil {
		return nil, fmt.Errorf("matcher is required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:        cfg,
		testray:    tr,
		tracker:    tracker,
		matcher:    matcher,
		classifier: classifier,
		recorder:   recorder,
	}, nil
}

// Result summarizes one engine run.
type Result struct {
	RunID         string
	BuildID       int64
	TaskID        int64
	TaskCompleted bool
	Updates       int
	Skipped       bool
	SkipReason    string
}

// Run executes one full reconciliation pass against the latest build.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	builds, err := e.testray.ListBuilds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	if len(builds) == 0 {
		log.Printf("[ENGINE] No builds found for routine %d", e.cfg.RoutineID)
		return &Result{Skipped: true, SkipReason: "no builds"}, nil
	}

	latest := builds[0]
	runID := e.beginRun(ctx, latest.ID)
	result := &Result{RunID: runID, BuildID: latest.ID}

	if !latest.ImportDone() {
		log.Printf("[ENGINE] Latest build %q is not DONE, skipping run", latest.Name)
		result.Skipped = true
		result.SkipReason = "latest build not DONE"
		e.finishRun(ctx, runID, storage.OutcomeSkipped, result.SkipReason)
		return result, nil
	}

	task, err := e.prepareTask(ctx, &latest)
	if err != nil {
		e.finishRun(ctx, runID, storage.OutcomeFailed, err.Error())
		return nil, err
	}
	if task == nil {
		result.Skipped = true
		result.SkipReason = "no actionable task"
		e.finishRun(ctx, runID, storage.OutcomeSkipped, result.SkipReason)
		return result, nil
	}
	result.TaskID = task.ID
	e.setRunTask(ctx, runID, task.ID)

	epic := e.findTestingEpic(ctx)
	e.maybeAutofill(ctx, builds, &latest)

	// Similarity scores are memoized per run, like the history cache.
	matcher := e.matcher.Memoized()
	run := &runState{
		engine:         e,
		runID:          runID,
		buildID:        latest.ID,
		task:           task,
		epic:           epic,
		repo:           must(history.NewRepository(e.testray, e.cfg.RoutineID)),
		classifier:     e.classifier.WithMatcher(matcher),
		caseCache:      make(map[int64]*types.Case),
		subtaskIssues:  make(map[int64][]string),
		componentNames: make(map[int64]string),
	}
	run.resolver = mustResolver(resolver.New(run.repo, e.tracker, matcher))

	if err := run.processSubtasks(ctx); err != nil {
		e.finishRun(ctx, runID, storage.OutcomeFailed, err.Error())
		return nil, err
	}
	result.Updates = len(run.batchUpdates)

	completed, err := run.finalize(ctx)
	if err != nil {
		e.finishRun(ctx, runID, storage.OutcomeFailed, err.Error())
		return nil, err
	}
	result.TaskCompleted = completed

	detail := fmt.Sprintf("%d result updates", result.Updates)
	if completed {
		detail = "task complete, " + detail
	}
	e.finishRun(ctx, runID, storage.OutcomeCompleted, detail)
	return result, nil
}

// ReanalyzeLatestTask puts the latest build's task back into analysis so the
// next run re-triages it. Used to recover abandoned tasks.
func (e *Engine) ReanalyzeLatestTask(ctx context.Context) (int64, error) {
	builds, err := e.testray.ListBuilds(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list builds: %w", err)
	}
	if len(builds) == 0 {
		return 0, fmt.Errorf("no builds found for routine %d", e.cfg.RoutineID)
	}
	tasks, err := e.testray.BuildTasks(ctx, builds[0].ID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch tasks for build %d: %w", builds[0].ID, err)
	}
	if len(tasks) == 0 {
		return 0, fmt.Errorf("build %d has no task to reanalyze", builds[0].ID)
	}
	task := tasks[0]
	if err := e.testray.SetTaskStatus(ctx, task.ID, types.TaskInAnalysis); err != nil {
		return 0, err
	}
	log.Printf("[ENGINE] Task %d set back to %s", task.ID, types.TaskInAnalysis)
	return task.ID, nil
}

// prepareTask ensures an actionable task exists for the build. Returns nil
// when the run should stop: the task is abandoned or already complete.
func (e *Engine) prepareTask(ctx context.Context, build *types.Build) (*types.Task, error) {
	tasks, err := e.testray.BuildTasks(ctx, build.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks for build %d: %w", build.ID, err)
	}

	if len(tasks) == 0 {
		log.Printf("[ENGINE] No tasks for build %q, creating task and testflow", build.Name)
		task, err := e.testray.CreateTask(ctx, build)
		if err != nil {
			return nil, fmt.Errorf("failed to create task: %w", err)
		}
		if err := e.testray.CreateTestflow(ctx, task.ID); err != nil {
			return nil, fmt.Errorf("failed to create testflow: %w", err)
		}
		return task, nil
	}

	task := tasks[0]
	switch task.Status {
	case types.TaskAbandoned:
		log.Printf("[ENGINE] Task %d has been ABANDONED, nothing to do", task.ID)
		return nil, nil
	case types.TaskComplete:
		log.Printf("[ENGINE] Task %d for build %d is already complete", task.ID, build.ID)
		return nil, nil
	}
	log.Printf("[ENGINE] Using existing task %d with status %s", task.ID, task.Status)
	return &task, nil
}

// findTestingEpic resolves the quarterly testing epic. Anything other than
// exactly one match puts the run in degraded mode: new issues are still
// created, just without an epic link.
func (e *Engine) findTestingEpic(ctx context.Context) string {
	epics, err := e.tracker.SearchIssues(ctx, jira.EpicJQL(e.cfg.Now()))
	if err != nil {
		log.Printf("[ENGINE] Epic lookup failed, running degraded: %v", err)
		return ""
	}
	if len(epics) != 1 {
		log.Printf("[ENGINE] Expected 1 testing epic, found %d, running degraded", len(epics))
		return ""
	}
	log.Printf("[ENGINE] Found testing epic %s", epics[0].Key)
	return epics[0].Key
}

// maybeAutofill copies analysis from the newest build whose task is COMPLETE
// into the latest build. Failure is non-fatal; triage proceeds without the
// head start.
func (e *Engine) maybeAutofill(ctx context.Context, builds []types.Build, latest *types.Build) {
	for _, build := range builds {
		if build.ID == latest.ID {
			continue
		}
		tasks, err := e.testray.BuildTasks(ctx, build.ID)
		if err != nil {
			log.Printf("[ENGINE] Autofill scan failed for build %d: %v", build.ID, err)
			return
		}
		for _, task := range tasks {
			if task.Status != types.TaskComplete {
				continue
			}
			log.Printf("[ENGINE] Autofilling analysis from build %d into build %d", build.ID, latest.ID)
			if err := e.testray.Autofill(ctx, build.ID, latest.ID); err != nil {
				log.Printf("[ENGINE] Autofill failed: %v", err)
			}
			return
		}
	}
}

func (e *Engine) beginRun(ctx context.Context, buildID int64) string {
	if e.recorder == nil {
		return ""
	}
	runID, err := e.recorder.BeginRun(ctx, buildID)
	if err != nil {
		log.Printf("[ENGINE] Failed to record run start: %v", err)
		return ""
	}
	return runID
}

func (e *Engine) setRunTask(ctx context.Context, runID string, taskID int64) {
	if e.recorder == nil || runID == "" {
		return
	}
	if err := e.recorder.SetRunTask(ctx, runID, taskID); err != nil {
		log.Printf("[ENGINE] Failed to record run task: %v", err)
	}
}

func (e *Engine) finishRun(ctx context.Context, runID, outcome, detail string) {
	if e.recorder == nil || runID == "" {
		return
	}
	if err := e.recorder.FinishRun(ctx, runID, outcome, detail); err != nil {
		log.Printf("[ENGINE] Failed to record run finish: %v", err)
	}
}

func (e *Engine) recordDecision(ctx context.Context, d storage.Decision) {
	if e.recorder == nil || d.RunID == "" {
		return
	}
	if err := e.recorder.RecordDecision(ctx, d); err != nil {
		log.Printf("[ENGINE] Failed to record decision: %v", err)
	}
}

// must panics on constructor errors that cannot happen with validated
// inputs.
func must(repo *history.Repository, err error) *history.Repository {
	if err != nil {
		panic(err)
	}
	return repo
}

func mustResolver(r *resolver.Resolver, err error) *resolver.Resolver {
	if err != nil {
		panic(err)
	}
	return r
}

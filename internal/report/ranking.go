// Package report produces the operator-facing summaries built on top of the
// triage data: the worst-failing-tests ranking and the automated-functional
// test count KPI.
package report

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/headlessqa/triage/internal/testray"
	"github.com/headlessqa/triage/internal/types"
)

// Case names containing any of these substrings are bookkeeping artifacts,
// not real tests, and are excluded from the ranking.
var ignoreCaseSubstrings = []string{
	"PortalLogAssertorTest-modules",
	"Top Level Build",
}

// RankingConfig bounds the failure ranking.
type RankingConfig struct {
	// WindowStart and WindowEnd select builds by due date, inclusive.
	WindowStart time.Time
	WindowEnd   time.Time

	// TopN caps the output. Default: 50.
	TopN int

	// MinRuns drops low-sample cases. Default: 3.
	MinRuns int
}

// RankedCase is one row of the worst-failing ranking.
type RankedCase struct {
	CaseID    int64
	Name      string
	Component string
	Runs      int
	Fails     int
	FailRatio float64
	Issues    string
}

// Ranker computes failure rankings across a build window.
type Ranker struct {
	client testray.Client
	cfg    RankingConfig
}

// NewRanker creates a ranker.
func NewRanker(client testray.Client, cfg RankingConfig) (*Ranker, error) {
	if client == nil {
		return nil, fmt.Errorf("testray client is required")
	}
	if cfg.WindowStart.After(cfg.WindowEnd) {
		return nil, fmt.Errorf("window start is after window end")
	}
	if cfg.TopN == 0 {
		cfg.TopN = 50
	}
	if cfg.MinRuns == 0 {
		cfg.MinRuns = 3
	}
	return &Ranker{client: client, cfg: cfg}, nil
}

type caseStats struct {
	name        string
	componentID int64
	fails       int
	issues      map[string]bool
}

// Rank counts failures per case across every build in the window. Every
// case is assumed to run in every analyzed build, so runs equals the build
// count.
func (r *Ranker) Rank(ctx context.Context) ([]RankedCase, error) {
	builds, err := r.client.ListBuilds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}

	stats := make(map[int64]*caseStats)
	caseCache := make(map[int64]*types.Case)
	analyzed := 0

	for _, build := range builds {
		if !r.inWindow(&build) {
			continue
		}
		analyzed++
		log.Printf("[REPORT] Processing build %q (%d)", build.Name, build.ID)

		results, err := r.client.BuildCaseResults(ctx, build.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch results for build %d: %w", build.ID, err)
		}
		for _, result := range results {
			if result.CaseID == 0 {
				continue
			}
			info, err := r.caseInfo(ctx, caseCache, result.CaseID)
			if err != nil {
				log.Printf("[REPORT] Case lookup failed for %d: %v", result.CaseID, err)
				continue
			}
			if ignoredCase(info.Name) {
				continue
			}

			s, ok := stats[result.CaseID]
			if !ok {
				s = &caseStats{name: info.Name, componentID: info.ComponentID, issues: make(map[string]bool)}
				stats[result.CaseID] = s
			}
			if result.Status.NotPassed() {
				s.fails++
			}
			for _, key := range types.SplitIssueKeys(result.Issues) {
				s.issues[key] = true
			}
		}
	}

	if analyzed < r.cfg.MinRuns {
		return nil, nil
	}

	ranked := make([]RankedCase, 0, len(stats))
	for caseID, s := range stats {
		keys := make([]string, 0, len(s.issues))
		for key := range s.issues {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		ranked = append(ranked, RankedCase{
			CaseID:    caseID,
			Name:      s.name,
			Component: r.componentName(ctx, s.componentID),
			Runs:      analyzed,
			Fails:     s.fails,
			FailRatio: float64(s.fails) / float64(analyzed),
			Issues:    strings.Join(keys, ", "),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].FailRatio != ranked[j].FailRatio {
			return ranked[i].FailRatio > ranked[j].FailRatio
		}
		if ranked[i].Fails != ranked[j].Fails {
			return ranked[i].Fails > ranked[j].Fails
		}
		return ranked[i].Runs > ranked[j].Runs
	})

	if len(ranked) > r.cfg.TopN {
		ranked = ranked[:r.cfg.TopN]
	}
	return ranked, nil
}

func (r *Ranker) inWindow(build *types.Build) bool {
	if build.DueDate == nil {
		return false
	}
	due := *build.DueDate
	return !due.Before(r.cfg.WindowStart) && !due.After(r.cfg.WindowEnd)
}

func (r *Ranker) caseInfo(ctx context.Context, cache map[int64]*types.Case, caseID int64) (*types.Case, error) {
	if info, ok := cache[caseID]; ok {
		return info, nil
	}
	info, err := r.client.CaseInfo(ctx, caseID)
	if err != nil {
		return nil, err
	}
	cache[caseID] = info
	return info, nil
}

func (r *Ranker) componentName(ctx context.Context, componentID int64) string {
	if componentID == 0 {
		return "Unknown"
	}
	name, err := r.client.ComponentName(ctx, componentID)
	if err != nil || name == "" {
		return fmt.Sprintf("Component %d", componentID)
	}
	return name
}

func ignoredCase(name string) bool {
	for _, sub := range ignoreCaseSubstrings {
		if strings.Contains(name, sub) {
			return true
		}
	}
	return false
}

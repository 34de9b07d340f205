package report

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/headlessqa/triage/internal/quarter"
	"github.com/headlessqa/triage/internal/testray"
	"github.com/headlessqa/triage/internal/types"
)

// aftDecreaseTargetPercent is the quarterly goal for reducing the automated
// functional test count.
const aftDecreaseTargetPercent = 10.0

// AFTRatio compares the automated functional test count of the latest DONE
// build against the build closest to the start of the current quarter.
type AFTRatio struct {
	QuarterStartBuildID int64
	LatestBuildID       int64
	QuarterStartCount   int
	CurrentCount        int
	DecreasePercent     float64
	TargetMet           bool
}

// String renders the KPI verdict in one line.
func (r *AFTRatio) String() string {
	msg := fmt.Sprintf(
		"The total number of automated functional tests has gone down by %.2f%% compared to the beginning of the quarter.",
		r.DecreasePercent)
	if r.TargetMet {
		return msg + fmt.Sprintf(" KPI of %.0f%% accomplished, but keep pushing!", aftDecreaseTargetPercent)
	}
	return msg + fmt.Sprintf(" We're targeting a %.0f%% decrease, so there's still work to do.", aftDecreaseTargetPercent)
}

// ComputeAFTRatio resolves the two reference builds and counts their
// automated functional test results.
func ComputeAFTRatio(ctx context.Context, client testray.Client, now time.Time) (*AFTRatio, error) {
	builds, err := client.ListBuilds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}

	var latest *types.Build
	for i := range builds {
		if builds[i].ImportDone() {
			latest = &builds[i]
			break
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no DONE build found")
	}

	start := quarterStartBuild(builds, now)
	if start == nil {
		return nil, fmt.Errorf("no build found since the start of the quarter")
	}

	caseTypeID, err := client.CaseTypeIDByName(ctx, types.CaseTypeAutomatedFunctional)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve case type: %w", err)
	}
	if caseTypeID == 0 {
		return nil, fmt.Errorf("case type %q not found", types.CaseTypeAutomatedFunctional)
	}

	log.Printf("[REPORT] Counting automated functional tests in builds %d and %d", start.ID, latest.ID)
	startCount, err := client.CaseCountByType(ctx, start.ID, caseTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to count quarter-start build: %w", err)
	}
	currentCount, err := client.CaseCountByType(ctx, latest.ID, caseTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to count latest build: %w", err)
	}
	if startCount == 0 {
		return nil, fmt.Errorf("quarter-start build has no automated functional tests")
	}

	decrease := float64(startCount-currentCount) / float64(startCount) * 100
	return &AFTRatio{
		QuarterStartBuildID: start.ID,
		LatestBuildID:       latest.ID,
		QuarterStartCount:   startCount,
		CurrentCount:        currentCount,
		DecreasePercent:     decrease,
		TargetMet:           decrease >= aftDecreaseTargetPercent,
	}, nil
}

// quarterStartBuild picks the build whose due date falls closest after the
// start of the current quarter.
func quarterStartBuild(builds []types.Build, now time.Time) *types.Build {
	start := quarter.Current(now).Start

	var best *types.Build
	var bestDelta time.Duration
	for i := range builds {
		due := builds[i].DueDate
		if due == nil || due.Before(start) {
			continue
		}
		delta := due.Sub(start)
		if best == nil || delta < bestDelta {
			best = &builds[i]
			bestDelta = delta
		}
	}
	return best
}

// Package flaky classifies failures as intermittent or stable based on a
// case's pass/fail oscillation statistics.
//
// True flakiness shows frequent status oscillation (not a monotonic "broken
// since commit X" pattern), a moderate failure rate, and failures that are
// almost always the same underlying error. All three must hold; sparse
// histories are never guessed flaky.
package flaky

import (
	"context"
	"fmt"

	"github.com/headlessqa/triage/internal/normalize"
	"github.com/headlessqa/triage/internal/similarity"
	"github.com/headlessqa/triage/internal/types"
)

// Config holds the classifier thresholds.
type Config struct {
	// MinHistory is the minimum PASSED+non-passed entries required before
	// the classifier will flag anything. Default: 5.
	MinHistory int

	// MinSwitchRatio is the status-oscillation floor: switch_count /
	// (total - 1) must exceed it. Default: 0.12.
	MinSwitchRatio float64

	// MinFailureRate and MaxFailureRate bound the failure rate window.
	// A near-zero rate is noise, a near-always rate is a stable break.
	// Defaults: 0.05 and 0.75.
	MinFailureRate float64
	MaxFailureRate float64

	// MinSimilarErrorRatio is the fraction of failing entries whose error
	// must match the current one. Default: 0.9.
	MinSimilarErrorRatio float64
}

// DefaultConfig returns the calibrated classifier thresholds.
func DefaultConfig() Config {
	return Config{
		MinHistory:           5,
		MinSwitchRatio:       0.12,
		MinFailureRate:       0.05,
		MaxFailureRate:       0.75,
		MinSimilarErrorRatio: 0.9,
	}
}

// Validate checks threshold sanity.
func (c *Config) Validate() error {
	if c.MinHistory < 2 {
		return fmt.Errorf("min history must be at least 2 (got %d)", c.MinHistory)
	}
	if c.MinSwitchRatio < 0 || c.MinSwitchRatio > 1 {
		return fmt.Errorf("min switch ratio must be in [0, 1] (got %.2f)", c.MinSwitchRatio)
	}
	if c.MinFailureRate < 0 || c.MaxFailureRate > 1 || c.MinFailureRate >= c.MaxFailureRate {
		return fmt.Errorf("failure rate window [%.2f, %.2f] is invalid", c.MinFailureRate, c.MaxFailureRate)
	}
	if c.MinSimilarErrorRatio < 0 || c.MinSimilarErrorRatio > 1 {
		return fmt.Errorf("min similar error ratio must be in [0, 1] (got %.2f)", c.MinSimilarErrorRatio)
	}
	return nil
}

// Classifier decides whether a failure is flaky.
type Classifier struct {
	matcher *similarity.Matcher
	config  Config
}

// NewClassifier creates a flakiness classifier.
func NewClassifier(matcher *similarity.Matcher, config Config) (*Classifier, error) {
	if matcher == nil {
		return nil, fmt.Errorf("matcher cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Classifier{matcher: matcher, config: config}, nil
}

// WithMatcher returns a copy of the classifier bound to a different matcher.
// Used to hand each run a matcher with its own memo cache.
func (c *Classifier) WithMatcher(matcher *similarity.Matcher) *Classifier {
	return &Classifier{matcher: matcher, config: c.config}
}

// Stats are the derived oscillation statistics for a history, exposed for
// logging and audit.
type Stats struct {
	Total             int
	FailCount         int
	PassCount         int
	SwitchCount       int
	SimilarFailures   int
	FlakinessScore    float64
	FailureRate       float64
	SimilarErrorRatio float64
}

// IsFlaky classifies the current (normalized) error against the case's full
// history. The caller is responsible for the Modules Integration Test
// override: those cases must never reach this classifier expecting a true
// result, so callers force false for them before consulting history.
func (c *Classifier) IsFlaky(ctx context.Context, currentErrorNorm string, hist []types.HistoryEntry) (bool, Stats) {
	var stats Stats
	var lastStatus types.ResultStatus
	haveLast := false

	// Walk in execution order (history arrives newest first).
	for i := len(hist) - 1; i >= 0; i-- {
		entry := hist[i]
		status := entry.Status

		switch {
		case status.NotPassed():
			stats.FailCount++
			if c.matcher.Similar(ctx, currentErrorNorm, normalize.Error(entry.Error)) {
				stats.SimilarFailures++
			}
		case status == types.ResultPassed:
			stats.PassCount++
		}

		if haveLast && lastStatus != status {
			stats.SwitchCount++
		}
		lastStatus = status
		haveLast = true
	}

	stats.Total = stats.PassCount + stats.FailCount
	if stats.Total < c.config.MinHistory {
		return false, stats // insufficient data, never guess
	}
	if stats.FailCount == 0 {
		return false, stats
	}

	stats.FlakinessScore = float64(stats.SwitchCount) / float64(stats.Total-1)
	stats.FailureRate = float64(stats.FailCount) / float64(stats.Total)
	stats.SimilarErrorRatio = float64(stats.SimilarFailures) / float64(stats.FailCount)

	flaky := stats.FlakinessScore > c.config.MinSwitchRatio &&
		stats.FailureRate > c.config.MinFailureRate &&
		stats.FailureRate < c.config.MaxFailureRate &&
		stats.SimilarErrorRatio >= c.config.MinSimilarErrorRatio

	return flaky, stats
}

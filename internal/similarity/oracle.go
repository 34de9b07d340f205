// Package similarity decides whether two normalized error strings describe
// the same underlying failure.
//
// The metric is a swappable dependency behind the Oracle interface: the
// default is a deterministic local token-overlap metric, and an AI-backed
// oracle can be dropped in when an API key is configured. Engine correctness
// depends only on the threshold-based boolean contract, not on the metric.
//
// Oracle calls happen inside tight loops over a case's failure history, so
// callers wrap oracles with Memoized to avoid paying twice for the same
// normalized pair within one run.
package similarity

import (
	"context"
	"fmt"
	"log"
)

// DefaultThreshold is the similarity score at or above which two errors are
// considered the same failure.
const DefaultThreshold = 0.8

// Oracle scores how similar two normalized error strings are.
type Oracle interface {
	// Score returns a similarity in [0, 1]. It must be symmetric and
	// deterministic given the same two inputs.
	Score(ctx context.Context, a, b string) (float64, error)
}

// Matcher answers the boolean "same failure" question by comparing an
// Oracle's score against a fixed threshold.
type Matcher struct {
	oracle    Oracle
	threshold float64
}

// NewMatcher wraps an oracle with a threshold. The threshold must be in
// (0, 1].
func NewMatcher(oracle Oracle, threshold float64) (*Matcher, error) {
	if oracle == nil {
		return nil, fmt.Errorf("oracle cannot be nil")
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (0, 1] (got %.2f)", threshold)
	}
	return &Matcher{oracle: oracle, threshold: threshold}, nil
}

// Similar reports whether the two normalized errors score at or above the
// threshold. Oracle failures are fail-safe: logged and treated as not
// similar, so a broken metric can never spuriously merge failures.
func (m *Matcher) Similar(ctx context.Context, a, b string) bool {
	// Trivial equality needs no metric and keeps empty errors grouped.
	if a == b {
		return true
	}
	score, err := m.oracle.Score(ctx, a, b)
	if err != nil {
		log.Printf("[SIMILARITY] score failed (assuming not similar): %v", err)
		return false
	}
	return score >= m.threshold
}

// Memoized returns a copy of the matcher whose oracle caches scores. Each
// call starts a fresh cache, so callers take one per run and discard it.
func (m *Matcher) Memoized() *Matcher {
	return &Matcher{oracle: Memoized(m.oracle), threshold: m.threshold}
}

// memoOracle caches scores per normalized string pair. Scoped to one run and
// discarded after; never shared between runs.
type memoOracle struct {
	inner Oracle
	cache map[pairKey]float64
}

type pairKey struct {
	a, b string
}

// Memoized wraps an oracle with a per-run pairwise cache. The cache key is
// order-insensitive, matching the symmetry requirement of the contract.
func Memoized(inner Oracle) Oracle {
	return &memoOracle{
		inner: inner,
		cache: make(map[pairKey]float64),
	}
}

func (m *memoOracle) Score(ctx context.Context, a, b string) (float64, error) {
	key := pairKey{a, b}
	if b < a {
		key = pairKey{b, a}
	}
	if score, ok := m.cache[key]; ok {
		return score, nil
	}
	score, err := m.inner.Score(ctx, a, b)
	if err != nil {
		return 0, err
	}
	m.cache[key] = score
	return score, nil
}

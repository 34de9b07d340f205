// Package resolver searches a case's failure history for an existing open
// issue that covers the current error, so the engine reuses issues instead of
// filing duplicates.
package resolver

import (
	"context"
	"fmt"
	"log"

	"github.com/headlessqa/triage/internal/history"
	"github.com/headlessqa/triage/internal/normalize"
	"github.com/headlessqa/triage/internal/similarity"
	"github.com/headlessqa/triage/internal/types"
)

// IssueStatusGetter looks up the current tracker status of an issue key.
type IssueStatusGetter interface {
	IssueStatus(ctx context.Context, key string) (string, error)
}

// Resolution is a reusable-issue decision for a failing result: the target
// due status plus the issue key(s) to attach.
type Resolution struct {
	Status types.ResultStatus
	Issues string // comma-separated issue keys
}

// Resolver walks not-passed history looking for a similar error that already
// carries open issues.
type Resolver struct {
	repo    *history.Repository
	issues  IssueStatusGetter
	matcher *similarity.Matcher
}

// New creates a duplicate resolver.
func New(repo *history.Repository, issues IssueStatusGetter, matcher *similarity.Matcher) (*Resolver, error) {
	if repo == nil {
		return nil, fmt.Errorf("history repository cannot be nil")
	}
	if issues == nil {
		return nil, fmt.Errorf("issue status getter cannot be nil")
	}
	if matcher == nil {
		return nil, fmt.Errorf("matcher cannot be nil")
	}
	return &Resolver{repo: repo, issues: issues, matcher: matcher}, nil
}

// FindReusableIssue scans the case's not-passed history, most recent first,
// for an entry whose normalized error matches the current one and that
// carries at least one non-Closed issue. It short-circuits on the first
// qualifying match and returns a BLOCKED resolution carrying the open
// issue keys. found=false means a new issue is needed.
//
// Status-lookup failures for individual keys are logged and skipped; they
// never abort the scan.
func (r *Resolver) FindReusableIssue(ctx context.Context, caseID int64, currentError string) (bool, *Resolution, error) {
	keys, err := r.scan(ctx, caseID, currentError)
	if err != nil {
		return false, nil, err
	}
	if len(keys) == 0 {
		return false, nil, nil
	}
	return true, &Resolution{
		Status: types.ResultBlocked,
		Issues: types.JoinIssueKeys(keys...),
	}, nil
}

// OpenIssueKeys is the list form used by the flaky-handling path: it gathers
// all open issue keys from the first matching historical entry, for batch
// reassignment under TESTFIX.
func (r *Resolver) OpenIssueKeys(ctx context.Context, caseID int64, currentError string) ([]string, error) {
	return r.scan(ctx, caseID, currentError)
}

func (r *Resolver) scan(ctx context.Context, caseID int64, currentError string) ([]string, error) {
	hist, err := r.repo.NotPassed(ctx, caseID)
	if err != nil {
		return nil, err
	}

	currentNorm := normalize.Error(currentError)
	seen := make(map[string]bool)

	for _, past := range hist {
		keys := types.SplitIssueKeys(past.Issues)
		if len(keys) == 0 {
			continue
		}

		var open []string
		for _, key := range keys {
			if seen[key] {
				continue
			}
			seen[key] = true

			status, err := r.issues.IssueStatus(ctx, key)
			if err != nil {
				log.Printf("[RESOLVER] failed to fetch status of issue %s: %v", key, err)
				continue
			}
			if status != types.IssueStatusClosed {
				open = append(open, key)
			}
		}
		if len(open) == 0 {
			continue
		}

		if r.matcher.Similar(ctx, currentNorm, normalize.Error(past.Error)) {
			log.Printf("[RESOLVER] case %d: error matches history result %d, reusing open issues %v",
				caseID, past.ID, open)
			return open, nil
		}
	}

	return nil, nil
}

package jira

import (
	"fmt"
	"strings"
	"time"

	"github.com/headlessqa/triage/internal/quarter"
	"github.com/headlessqa/triage/internal/types"
)

const (
	summaryErrorLimit = 80

	portalRepoURL = "https://github.com/liferay/liferay-portal"
	rcaToolURL    = "https://test-1-1.liferay.com/job/root-cause-analysis-tool/"
)

// EpicJQL builds the query that locates the quarterly testing epic. The
// engine requires exactly one match; zero or more than one puts the run in
// degraded mode (new issues get no epic link).
func EpicJQL(now time.Time) string {
	q := quarter.Current(now)
	return fmt.Sprintf(
		"text ~ '%d Milestone %d \\\\| Testing activities \\\\[Headless\\\\]' "+
			"and type = Epic and project='PUBLIC - Liferay Product Delivery' and status != Closed",
		q.Year, q.Number)
}

// ComponentMapper translates tracker component names. Testray and Jira do
// not share a component taxonomy; unmapped names pass through unchanged.
type ComponentMapper map[string]string

// Map translates one component name.
func (m ComponentMapper) Map(name string) string {
	if mapped, ok := m[name]; ok {
		return mapped
	}
	return name
}

// BatchInfo returns the CI batch name and test selector for one case, keyed
// by case type. Unknown case types return empty strings and produce no RCA
// block.
func BatchInfo(caseName, caseTypeName string) (batchName, testSelector string) {
	switch caseTypeName {
	case types.CaseTypePlaywright:
		selector := caseName
		if idx := strings.Index(caseName, " >"); idx >= 0 {
			selector = caseName[:idx]
		}
		return "playwright-js-tomcat101-postgresql163", selector
	case types.CaseTypeAutomatedFunctional:
		return "functional-tomcat101-postgresql163", caseName
	case types.CaseTypeModulesIntegration:
		parts := strings.Split(caseName, ".")
		trimmed := parts[len(parts)-1]
		return "modules-integration-postgresql163",
			fmt.Sprintf(`\*\*/src/testIntegration/\*\*/%s.java`, trimmed)
	}
	return "", ""
}

// CompareURL builds the commit-range link between the last passing and first
// failing git hashes. Either hash missing yields the placeholder "###".
func CompareURL(passingHash, failingHash string) string {
	if passingHash == "" || failingHash == "" {
		return "###"
	}
	return fmt.Sprintf("%s/compare/%s...%s", portalRepoURL, passingHash, failingHash)
}

// FormatDuration renders a millisecond duration as "XmYs". Negative values
// mean unknown.
func FormatDuration(ms int64) string {
	if ms < 0 {
		return "N/A"
	}
	minutes := ms / 60000
	seconds := (ms % 60000) / 1000
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

// TruncateSummaryError bounds the error fragment embedded in issue
// summaries.
func TruncateSummaryError(err string) string {
	if len(err) > summaryErrorLimit {
		return err[:summaryErrorLimit]
	}
	return err
}

// CaseRow is one line of the failing-case table in an investigation issue.
type CaseRow struct {
	Name      string
	Component string
	Duration  int64 // milliseconds, negative for unknown
}

// RCADetails parameterizes the root-cause-analysis tool for one error group.
type RCADetails struct {
	BatchName    string
	TestSelector string
	CompareURL   string
}

// ErrorGroup is one normalized-error bucket of an investigation issue.
type ErrorGroup struct {
	Error string
	Rows  []CaseRow
	RCA   *RCADetails
}

// InvestigationSummary builds the summary line of an investigation issue
// from the group's raw error text.
func InvestigationSummary(firstError string) string {
	return fmt.Sprintf("Investigate %s...", TruncateSummaryError(firstError))
}

// InvestigationDescription renders the wiki-markup body of an investigation
// issue: a link to the subtask, then per error group a code block, a table
// of affected cases sorted by duration, and at most one RCA block.
func InvestigationDescription(testrayBaseURL string, taskID, subtaskID int64, groups []ErrorGroup) string {
	var b strings.Builder
	b.WriteString("*Unique Failures in Testray Subtask*\n")
	fmt.Fprintf(&b, "[Testray Subtask|%s/web/testray#/testflow/%d/subtasks/%d]\n\n",
		strings.TrimSuffix(testrayBaseURL, "/"), taskID, subtaskID)

	rcaIncluded := false
	for _, group := range groups {
		b.WriteString("h3. Error\n")
		fmt.Fprintf(&b, "{code}%s{code}\n\n", group.Error)

		b.WriteString("|| Test Name || Component || Duration ||\n")
		for _, row := range group.Rows {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", row.Name, row.Component, FormatDuration(row.Duration))
		}

		if !rcaIncluded && group.RCA != nil {
			b.WriteString("\nh3. RCA Details\n")
			b.WriteString(RCABlock(group.RCA.BatchName, group.RCA.TestSelector, group.RCA.CompareURL))
			b.WriteString("\n")
			rcaIncluded = true
		}
	}
	return b.String()
}

// RCABlock renders the root-cause-analysis parameter block embedded in
// investigation issues.
func RCABlock(batchName, testSelector, compareURL string) string {
	return fmt.Sprintf(
		"\nParameters to run Root Cause Analysis on %s :\n"+
			"PORTAL_BATCH_NAME: %s\n"+
			"PORTAL_BATCH_TEST_SELECTOR: %s\n"+
			"PORTAL_BRANCH_SHAS: %s\n"+
			"PORTAL_GITHUB_URL: %s/tree/master\n"+
			"PORTAL_UPSTREAM_BRANCH_NAME: master",
		rcaToolURL, batchName, testSelector, compareURL, portalRepoURL)
}

// TestFixSummary builds the summary line of a test-fix issue.
func TestFixSummary(caseName, rawError string) string {
	return fmt.Sprintf("Test Fix: %s - %s", caseName, TruncateSummaryError(rawError))
}

// TestFixDescription renders the body of a test-fix issue for one flaky
// result.
func TestFixDescription(resultLink, rawError, caseName, componentName string, resultID int64) string {
	lines := []string{
		"*Flaky Test Detected in Testray*",
		fmt.Sprintf("[Testray Result|%s]", resultLink),
		"",
		"h3. Error",
		fmt.Sprintf("{code}%s{code}", rawError),
		"",
		"h3. Test Details",
		fmt.Sprintf("*Name:* %s", caseName),
		fmt.Sprintf("*Component:* %s", componentName),
		fmt.Sprintf("*Result ID:* %d", resultID),
	}
	return strings.Join(lines, "\n")
}

// ResultLink builds the deep link to one case result in the Testray UI.
func ResultLink(testrayBaseURL string, projectID, routineID, buildID, resultID int64) string {
	return fmt.Sprintf("%s/web/testray#/project/%d/routines/%d/build/%d/case-result/%d",
		strings.TrimSuffix(testrayBaseURL, "/"), projectID, routineID, buildID, resultID)
}

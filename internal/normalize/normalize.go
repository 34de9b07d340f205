// Package normalize canonicalizes raw error text so similarity comparisons
// and group-by-error bucketing ignore run-to-run noise: timestamps, memory
// addresses, durations, and quoted literal values.
//
// Normalized output is only an internal comparison key. The raw error text is
// what reaches issue descriptions and logs.
package normalize

import (
	"regexp"
	"strings"
	"time"
)

var (
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[\sT]\d{2}:\d{2}:\d{2}`)
	hexAddrRe   = regexp.MustCompile(`0x[0-9A-Fa-f]+`)
	durationRe  = regexp.MustCompile(`\d+\s*(ms|s|seconds|minutes|m)`)
	quotedRe    = regexp.MustCompile(`".*?"`)
)

// Error canonicalizes a raw error string. Deterministic and total: empty
// input yields "". Transformations are applied in order: collapse whitespace,
// strip ISO-8601-like timestamps, strip hex addresses, strip duration tokens,
// and replace every double-quoted substring with the literal placeholder
// "...".
func Error(raw string) string {
	if raw == "" {
		return ""
	}

	s := strings.Join(strings.Fields(strings.TrimSpace(raw)), " ")

	s = timestampRe.ReplaceAllString(s, "")
	s = hexAddrRe.ReplaceAllString(s, "")
	s = durationRe.ReplaceAllString(s, "")
	s = quotedRe.ReplaceAllString(s, `"..."`)

	return s
}

// executionDateLayouts are tried in order when parsing Testray execution
// dates. The 'Z' suffix and 'T' separator are stripped first.
var executionDateLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ExecutionDate parses a Testray execution/due date string. Returns the zero
// time and false when the string is empty or unparsable; callers treat that
// as "unknown" and exclude the entry from min/max comparisons.
func ExecutionDate(dateStr string) (time.Time, bool) {
	s := strings.TrimSpace(dateStr)
	if s == "" {
		return time.Time{}, false
	}
	s = strings.TrimSuffix(s, "Z")
	s = strings.ReplaceAll(s, "T", " ")

	for _, layout := range executionDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

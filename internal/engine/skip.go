package engine

import "strings"

// skipErrorKeywords marks infrastructure noise that no amount of triage can
// act on. Results matching any keyword are skipped without classification.
var skipErrorKeywords = []string{
	"Failed prior to running test",
	"PortalLogAssertorTest#testScanXMLLog",
	"Skipped test",
	"The build failed prior to running the test",
	"test-portal-testsuite-upstream-downstream(master) timed out after",
	"TEST_SETUP_ERROR",
	"Unable to run test on CI",
}

// shouldSkipResult reports whether an error is untriageable infrastructure
// noise. An AssertionError anywhere in the text overrides the denylist: a
// real assertion failed, so the result deserves triage even when the
// surrounding log matches a noise keyword.
func shouldSkipResult(errorText string) bool {
	if strings.Contains(errorText, "AssertionError") {
		return false
	}
	for _, keyword := range skipErrorKeywords {
		if strings.Contains(errorText, keyword) {
			return true
		}
	}
	return false
}

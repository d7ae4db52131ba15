package turn

import "regexp"

// diagnosticPatterns match thought lines that are operator diagnostics
// rather than reasoning meant for the user.
var diagnosticPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(rows? (returned|count|fetched)|row count|returned \d+ rows?)\b`),
	regexp.MustCompile(`(?i)^\d+ rows?\b`),
	regexp.MustCompile(`(?i)^stream (complete|completed|finished|ended|done)\b`),
	regexp.MustCompile(`(?i)^(received )?chunk( #?\d+| count)\b`),
	regexp.MustCompile(`(?i)^chunks? (received|processed)\b`),
	regexp.MustCompile(`(?i)^\[?debug\]?[:\s]`),
}

// IsDiagnostic reports whether a thought payload is a log line that must
// neither be shown nor timed.
func IsDiagnostic(thought string) bool {
	for _, p := range diagnosticPatterns {
		if p.MatchString(thought) {
			return true
		}
	}
	return false
}

// Package sanitize redacts secrets from captured tool output before it
// is persisted to log.txt or any response file. It is the
// last step before any persistence and must not alter JSON-line
// structure, since downstream consumers (pkg/outputparser) re-parse
// each line as JSON.
package sanitize

import "regexp"

const redacted = "[REDACTED]"

// patterns match known secret shapes. Ordered so overlapping matches
// (e.g. a bearer token containing what looks like base64) are not
// double-redacted oddly; longest/most specific patterns run first.
var patterns = []*regexp.Regexp{
	// OpenAI-style and generic vendor API keys: sk-..., sk-ant-..., etc.
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	// GitHub personal access tokens and fine-grained tokens.
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	// AWS access key IDs.
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// OAuth bearer tokens in header-style text.
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._-]{20,}`),
	// Generic KEY=value / "key": "value" secret-looking assignments.
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*["']?[A-Za-z0-9_\-./+]{12,}["']?`),
	// PEM certificate / key blocks.
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`),
	// Long base64-looking sequences, the kind of thing a dumped credential
	// blob looks like. 40+ chars keeps this from firing on ordinary hashes.
	regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}\b`),
}

// Line redacts secret-shaped substrings from a single line of captured
// output. It operates on whole lines only, never splitting or merging
// lines, so JSON-lines structure is preserved.
func Line(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return s
}

// Bytes applies Line to the text form of b, for callers writing raw
// chunks rather than pre-split lines.
func Bytes(b []byte) []byte {
	return []byte(Line(string(b)))
}

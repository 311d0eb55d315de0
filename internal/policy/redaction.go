// Package policy masks sensitive content before it is persisted.
package policy

import "regexp"

type rule struct {
	pattern *regexp.Regexp
	marker  string
}

// Rules run in order. Cards precede phones so long digit runs are not
// classified as phone numbers.
var rules = []rule{
	{regexp.MustCompile(`IW1-HMAC-SHA256\s+[^\s]*(?:\s*,\s*[A-Za-z]+=[^\s,]*)*`), "[REDACTED_AUTH]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// Redact masks signed authorization values, email addresses, card numbers
// and phone numbers.
func Redact(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

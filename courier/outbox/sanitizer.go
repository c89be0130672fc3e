package outbox

import (
	"regexp"
	"strings"
)

// Stored error text is visible through the inspection API, so credentials that
// drivers and brokers echo back are redacted and the length is bounded.
const (
	maxErrorRunes   = 512
	truncatedSuffix = "... (truncated)"
	redacted        = "[REDACTED]"
)

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redacted + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redacted},
	{regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`), `$1=` + redacted},
	{regexp.MustCompile(`(?i)([?&](?:password|pwd|token|api[_-]?key)=)([^&\s]+)`), `$1` + redacted},
}

// SanitizeError renders err for the error column.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage redacts credentials in msg and truncates it to 512 runes.
func SanitizeErrorMessage(msg string) string {
	out := strings.TrimSpace(msg)
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}

	runes := []rune(out)
	if len(runes) <= maxErrorRunes {
		return out
	}

	return string(runes[:maxErrorRunes-len([]rune(truncatedSuffix))]) + truncatedSuffix
}

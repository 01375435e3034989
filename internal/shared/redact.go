package shared

import (
	"regexp"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials in log lines, audit rows and relayed
// tool activity. keep is how many leading submatches survive redaction,
// so "api_key=abc..." becomes "api_key=[REDACTED]".
var secretPatterns = []struct {
	re   *regexp.Regexp
	keep int
}{
	// Key-like names followed by a long opaque value, as env assignments,
	// YAML or query parameters.
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|webhook[_-]?secret|token|secret)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}`), 1},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), 1},
	// Telegram bot tokens (<bot id>:<35 char secret>), also inside API URLs.
	{regexp.MustCompile(`(bot)?\d{6,12}:[A-Za-z0-9_\-]{30,}`), 0},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), 0},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), 0},
	{regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), 0},
	{regexp.MustCompile(`(?i)((?:password|passwd|pwd)\s*[:=]\s*"?)[^\s"]{8,}`), 1},
}

// Redact replaces secret-bearing substrings of input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, p := range secretPatterns {
		if p.keep > 0 {
			input = p.re.ReplaceAllString(input, "${1}"+redactedPlaceholder)
			continue
		}
		input = p.re.ReplaceAllLiteralString(input, redactedPlaceholder)
	}
	return input
}

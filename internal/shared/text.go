package shared

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Placeholder is the content given to a request whose real text is not known
// yet. Events mentioning it are rewritten once the text arrives.
const Placeholder = "Processing..."

var (
	telegramEnvelope = regexp.MustCompile(`(?s)^\[Telegram[^\]]*\]\s*`)
	messageIDSuffix  = regexp.MustCompile(`\[message_id:\s*\d+\]\s*$`)
)

// CleanContent strips the chat envelope the upstream gateway wraps around
// relayed messages: a leading "[Telegram ...]" header and a trailing
// "[message_id: N]" marker.
func CleanContent(s string) string {
	s = telegramEnvelope.ReplaceAllString(s, "")
	s = messageIDSuffix.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Truncate shortens s to at most n runes, appending "..." when it had to cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// Snippet is CleanContent followed by Truncate.
func Snippet(s string, n int) string {
	return Truncate(CleanContent(s), n)
}

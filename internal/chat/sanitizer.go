package chat

import (
	"regexp"
	"strings"
)

// Sanitization of raw model output before it reaches the user. Must be
// idempotent and must never fail on malformed input; worst case the
// input comes back trimmed.

var (
	thinkSpanRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	// An unclosed <think> swallows everything after it.
	thinkOpenRe = regexp.MustCompile(`(?s)<think>.*$`)
	asteriskRe  = regexp.MustCompile(`\*+`)
)

// Meta prefixes the model sometimes narrates before the actual reply.
var metaPrefixes = []string{
	"here's a response:",
	"here is a response:",
	"here's my response:",
	"here is my response:",
	"response:",
	"assistant:",
}

// Sanitize strips internal reasoning spans, meta-commentary prefixes,
// a leading "<personaName>:" echo and all asterisk markup.
func Sanitize(raw, personaName string) string {
	out := thinkSpanRe.ReplaceAllString(raw, "")
	out = thinkOpenRe.ReplaceAllString(out, "")
	out = strings.TrimSpace(out)

	for changed := true; changed; {
		changed = false
		lower := strings.ToLower(out)
		for _, prefix := range metaPrefixes {
			if strings.HasPrefix(lower, prefix) {
				out = strings.TrimSpace(out[len(prefix):])
				changed = true
				break
			}
		}
		if personaName != "" {
			echo := personaName + ":"
			if strings.HasPrefix(out, echo) {
				out = strings.TrimSpace(out[len(echo):])
				changed = true
			}
		}
	}

	// The target voice forbids stage-direction asterisks entirely.
	out = asteriskRe.ReplaceAllString(out, "")

	return strings.TrimSpace(out)
}

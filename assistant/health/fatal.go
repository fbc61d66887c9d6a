// Package health implements two-tier session healing: a fast regex
// scan of transcript tails for known fatal errors, and a periodic deep
// classification of recent assistant output by a cheap model. Fatal
// errors are unrecoverable because the bad content is already baked
// into the conversation record; retries re-send it, so only a restart
// with resume clears them.
package health

import (
	"regexp"

	"github.com/svenhq/dispatch/assistant/transcript"
)

type fatalPattern struct {
	re    *regexp.Regexp
	label string
}

// Matched against assistant text blocks every fast-scan cycle.
var fatalPatterns = []fatalPattern{
	{regexp.MustCompile(`(?i)API Error: 400.*invalid_request_error`), "invalid_request_400"},
	{regexp.MustCompile(`(?i)image dimensions exceed max allowed size`), "image_too_large"},
	{regexp.MustCompile(`(?i)context_length_exceeded`), "context_too_long"},
	{regexp.MustCompile(`(?i)prompt is too long`), "prompt_too_long"},
	{regexp.MustCompile(`(?i)"authentication_failed"`), "auth_failed"},
	{regexp.MustCompile(`(?i)"billing_error"`), "billing_error"},
	{regexp.MustCompile(`(?i)content size exceeds`), "content_too_large"},
}

// CheckFatal scans assistant entries for known fatal error patterns
// and returns the matching label.
func CheckFatal(entries []transcript.Entry) (string, bool) {
	for _, e := range entries {
		for _, text := range e.TextBlocks() {
			for _, p := range fatalPatterns {
				if p.re.MatchString(text) {
					return p.label, true
				}
			}
		}
	}
	return "", false
}

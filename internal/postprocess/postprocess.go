// Package postprocess strips model artifacts from raw reply text before it
// is parsed downstream: leftover reasoning blocks, prompt echoes and quote
// wrapping. Applied to judge replies and to the non-streaming fallback text.
package postprocess

import (
	"regexp"
	"strings"
)

// reasoningRe matches complete reasoning blocks. Each tag variant is listed
// explicitly; RE2 has no backreferences.
var reasoningRe = regexp.MustCompile(
	`(?is)<think>.*?</think>|<thinking>.*?</thinking>|<reasoning>.*?</reasoning>`,
)

// truncatedRe matches an opened reasoning tag that never closed (the model
// was cut off mid-thought).
var truncatedRe = regexp.MustCompile(`(?is)(?:<think>|<thinking>|<reasoning>).*$`)

// echoRe matches introductory phrases models prepend even when told not to.
// Anchored to the start and requiring a colon to limit false positives.
var echoRe = regexp.MustCompile(
	`(?i)^(?:sure[,!]?\s*)?(?:here(?: is|'s| are)\s+(?:the|your)\s+(?:translations?|selection|answer)|the best (?:translation|candidate) is)\s*:\s*`,
)

// Clean removes reasoning blocks, instruction echoes and symmetric quote
// wrapping, then trims whitespace.
func Clean(text string) string {
	text = reasoningRe.ReplaceAllString(text, "")
	text = truncatedRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	text = echoRe.ReplaceAllString(text, "")
	text = unwrapQuotes(strings.TrimSpace(text))
	return strings.TrimSpace(text)
}

// unwrapQuotes removes one layer of symmetric quoting around the whole text.
func unwrapQuotes(text string) string {
	if len(text) < 2 {
		return text
	}
	pairs := [][2]string{{`"`, `"`}, {"'", "'"}, {"«", "»"}, {"“", "”"}}
	for _, p := range pairs {
		if strings.HasPrefix(text, p[0]) && strings.HasSuffix(text, p[1]) {
			inner := strings.TrimSuffix(strings.TrimPrefix(text, p[0]), p[1])
			// Only unwrap when the quotes are a wrapper, not content.
			if !strings.Contains(inner, p[0]) && !strings.Contains(inner, p[1]) {
				return inner
			}
		}
	}
	return text
}

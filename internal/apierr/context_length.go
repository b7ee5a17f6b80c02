package apierr

import "strings"

// Phrases providers use when the prompt does not fit the context window.
var contextLengthMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"prompt is too long",
	"input is too long",
	"exceeds the maximum number of tokens",
	"too many tokens",
}

func isContextLengthMessage(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range contextLengthMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

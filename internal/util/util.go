package util

import (
	"fmt"
	"strings"
	"unicode"
)

// ExtractJSONObject returns the first top-level {...} block in a free-form
// model response. Generation backends often wrap JSON in prose or code fences;
// slicing from the first '{' to the last '}' recovers the object in practice.
func ExtractJSONObject(response string) (string, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return response[start : end+1], nil
}

// StripCodeFence removes a surrounding Markdown code fence (``` or ```lang)
// from a model response, if present.
func StripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	// Drop an optional language tag on the fence line
	if idx := strings.IndexByte(t, '\n'); idx != -1 {
		first := strings.TrimSpace(t[:idx])
		if first != "" && !strings.ContainsAny(first, " \t{") {
			t = t[idx+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

// TruncateString shortens s to at most maxLen runes, marking the cut with an
// ellipsis. With preserveWords the cut moves back to the nearest space when
// one exists.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return strings.Repeat(".", maxLen)
	}

	cut := maxLen - 3
	if preserveWords {
		for i := cut - 1; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}
	return string(runes[:cut]) + "..."
}

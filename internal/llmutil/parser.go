// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

var (
	// \x60 is a backtick; raw strings cannot hold one.
	fencedObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	fencedBlockRegex  = regexp.MustCompile("(?s)^\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60$")
)

// ParseJSONResponse decodes a model response into T. It tolerates the usual
// wrapping: markdown fences and conversational text around a single object.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	candidate := response

	if strings.HasPrefix(response, "```") {
		if m := fencedObjectRegex.FindStringSubmatch(response); len(m) > 1 {
			candidate = m[1]
		}
	} else if !strings.HasPrefix(response, "{") {
		first := strings.Index(response, "{")
		last := strings.LastIndex(response, "}")
		if first != -1 && last > first {
			candidate = response[first : last+1]
		}
	}

	var result T
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(candidate, 500))
	}
	return &result, nil
}

// CleanText strips a surrounding markdown fence from free-text output.
func CleanText(content string) string {
	content = strings.TrimSpace(content)
	if m := fencedBlockRegex.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return content
}

// NormalizeQuery lowercases a query, collapses whitespace and drops trailing
// punctuation. Pattern matching and cache fingerprints share it.
func NormalizeQuery(query string) string {
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))
	return strings.TrimRight(q, "?!. ")
}

func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

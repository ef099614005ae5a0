// Package parsers turns raw model completions into executable statement text.
// The model is an untrusted input source: everything it returns is checked
// against a read-only allow-list before it can reach the data source.
package parsers

import (
	"fmt"
	"regexp"
	"strings"

	errx "github.com/dataquery-core-poc/server/internal/core/error"
)

// basic safety limits to avoid pathological completions
const (
	maxCompletionLen = 64 * 1024 // 64KB
	maxErrSnippet    = 120
)

// forbiddenVerbs are statement keywords that must never appear in a candidate,
// whatever position they occupy. Matched as whole words so column names like
// updated_at pass.
var forbiddenVerbs = regexp.MustCompile(
	`(?i)\b(insert|update|delete|drop|create|alter|truncate|replace|attach|detach|pragma|vacuum|reindex|grant|revoke)\b`,
)

var fenceOpen = regexp.MustCompile("(?i)^```(?:sql)?\\s*")

// ExtractStatement extracts a single read-only SQL statement from a model
// completion: strips markdown fences, keeps the first statement, and enforces
// the SELECT/WITH allow-list plus the forbidden-verb scan. Every rejection
// wraps errx.ErrGeneration so the caller can route it through the repair path.
func ExtractStatement(completion string) (string, error) {
	if len(completion) > maxCompletionLen {
		return "", generationErr("completion too large (%d bytes)", len(completion))
	}

	text := stripCodeFences(strings.TrimSpace(completion))
	if text == "" {
		return "", generationErr("empty completion")
	}

	statement, rest, found := strings.Cut(text, ";")
	statement = strings.TrimSpace(statement)
	if statement == "" {
		return "", generationErr("no statement before terminator")
	}
	if found && strings.TrimSpace(rest) != "" {
		return "", generationErr("multiple statements: %s", safeSnippet(rest))
	}

	upper := strings.ToUpper(statement)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return "", generationErr("not a read-only query: %s", safeSnippet(statement))
	}
	if m := forbiddenVerbs.FindString(statement); m != "" {
		return "", generationErr("forbidden keyword %q", strings.ToUpper(m))
	}

	return statement, nil
}

// stripCodeFences removes a surrounding markdown code block if present.
func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = fenceOpen.ReplaceAllString(s, "")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func generationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errx.ErrGeneration, fmt.Sprintf(format, args...))
}

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrSnippet {
		s = s[:maxErrSnippet] + "…"
	}
	return s
}

package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// MaxParseInput bounds the text Parse will look at
const MaxParseInput = 1 << 20

// ErrNoJSON is returned when no strategy finds parseable JSON
var ErrNoJSON = errors.New("no parseable JSON in model output")

var (
	// Newlines are optional: models sometimes emit ```json{...}```
	codeFenceRegex = regexp.MustCompile("(?s)```(?:json|javascript|js)?\\s*\\n?(.*?)\\n?```")

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	// Greedy so nested structures are captured whole
	objectRegex = regexp.MustCompile(`(?s)\{.*\}`)
	arrayRegex  = regexp.MustCompile(`(?s)\[.*\]`)
)

// Parse decodes JSON from model output, tolerating the usual quirks:
//  1. direct decode
//  2. markdown code fences removed
//  3. trailing commas, unquoted keys and comments repaired
//  4. the outermost object or array extracted from surrounding prose
func Parse[T any](text string) (T, error) {
	var zero T
	if len(text) > MaxParseInput {
		return zero, fmt.Errorf("%w: input exceeds %d bytes", ErrNoJSON, MaxParseInput)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, fmt.Errorf("%w: empty input", ErrNoJSON)
	}

	if v, err := decode[T](trimmed); err == nil {
		return v, nil
	}

	unfenced := removeCodeFences(trimmed)
	if unfenced != trimmed {
		if v, err := decode[T](unfenced); err == nil {
			return v, nil
		}
	}

	cleaned := cleanupJSON(unfenced)
	if v, err := decode[T](cleaned); err == nil {
		return v, nil
	}

	if extracted := extractJSON(cleaned); extracted != "" {
		if v, err := decode[T](extracted); err == nil {
			return v, nil
		}
	}

	slog.Debug("all JSON parse strategies failed", "preview", preview(text, 100))
	return zero, ErrNoJSON
}

// ParseOrDefault returns fallback when Parse fails
func ParseOrDefault[T any](text string, fallback T) T {
	v, err := Parse[T](text)
	if err != nil {
		return fallback
	}
	return v
}

func decode[T any](text string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(text), &v)
	return v, err
}

func removeCodeFences(text string) string {
	if m := codeFenceRegex.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	if len(text) >= 2 && strings.HasPrefix(text, "`") && strings.HasSuffix(text, "`") {
		text = strings.Trim(text, "`")
	}
	return strings.TrimSpace(text)
}

// cleanupJSON repairs common model mistakes. Single quotes are left alone
// since converting them would break apostrophes inside strings.
func cleanupJSON(text string) string {
	cleaned := trailingCommaRegex.ReplaceAllString(text, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// extractJSON returns the outermost object or array in text, preferring the
// kind that appears first so an array of objects is not cut to one object.
func extractJSON(text string) string {
	obj := strings.IndexByte(text, '{')
	arr := strings.IndexByte(text, '[')
	if arr >= 0 && (obj < 0 || arr < obj) {
		if m := arrayRegex.FindString(text); m != "" {
			return m
		}
	}
	if m := objectRegex.FindString(text); m != "" {
		return m
	}
	return arrayRegex.FindString(text)
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

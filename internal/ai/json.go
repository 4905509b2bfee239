// Package ai implements the reviewer and arbitrator backends on the
// Anthropic API, with retry, circuit breaking, and resilient decoding of
// model output.
package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Pre-compiled patterns: decoding runs on every review round and compiling
// per call is measurably slower.
var (
	// Matches fenced blocks like ```json\n{...}\n``` anywhere in the text
	codeFenceRegex = regexp.MustCompile("(?s)`{3}(?:json)?\\s*\n?([\\s\\S]*?)\n?`{3}")

	// Cleanup for common model quirks
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex   = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)

	// Extraction of a JSON object embedded in prose (greedy, to keep
	// nested structures intact)
	objectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

const maxDecodeInput = 10 * 1024 * 1024

// DecodeJSON parses model output into T, tolerating the formatting quirks
// LLMs produce: markdown fences, trailing commas, unquoted keys, and JSON
// embedded in surrounding prose.
//
// Strategy sequence:
//  1. direct parse
//  2. strip code fences, retry
//  3. fix trailing commas and unquoted keys, retry
//  4. extract the outermost object from mixed content, retry
func DecodeJSON[T any](text, context string) (T, error) {
	var zero T

	if len(text) > maxDecodeInput {
		return zero, fmt.Errorf("%s: response too large to decode (%d bytes)", context, len(text))
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, fmt.Errorf("%s: empty response", context)
	}

	candidates := []string{trimmed}

	if m := codeFenceRegex.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}

	cleaned := trailingCommaRegex.ReplaceAllString(trimmed, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	candidates = append(candidates, cleaned)

	if m := objectRegex.FindString(trimmed); m != "" {
		candidates = append(candidates, m)
		candidates = append(candidates, trailingCommaRegex.ReplaceAllString(m, "$1"))
	}

	var lastErr error
	for _, candidate := range candidates {
		var out T
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out, nil
		} else {
			lastErr = err
		}
	}

	slog.Debug("failed to decode model JSON", "context", context, "error", lastErr,
		"preview", preview(trimmed, 200))
	return zero, fmt.Errorf("%s: failed to decode model response: %w", context, lastErr)
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

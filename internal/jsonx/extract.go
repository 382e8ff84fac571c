// Package jsonx extracts structured JSON from model output.
//
// Decision models rarely return clean JSON: they wrap it in markdown
// fences, prepend commentary, or append explanations. This package digs
// the JSON object or array out of such text before unmarshaling.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extract returns the JSON portion of raw model output.
// It tries, in order: the whole text after fence stripping, the span from
// the first '{' to the last '}', and the span from the first '[' to the
// last ']'.
func Extract(raw string) (string, error) {
	stripped := stripFences(raw)

	var probe interface{}
	if err := json.Unmarshal([]byte(stripped), &probe); err == nil {
		return stripped, nil
	}

	if span, ok := widestSpan(stripped, '{', '}'); ok {
		return span, nil
	}
	if span, ok := widestSpan(stripped, '[', ']'); ok {
		return span, nil
	}

	preview := stripped
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	return "", fmt.Errorf("no valid JSON found in model output: %q", preview)
}

// Unmarshal extracts JSON from raw model output and unmarshals it into v.
func Unmarshal(raw string, v interface{}) error {
	span, err := Extract(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(span), v); err != nil {
		return fmt.Errorf("unmarshal extracted JSON: %w", err)
	}
	return nil
}

// Decode extracts JSON from raw model output and unmarshals it into T.
func Decode[T any](raw string) (T, error) {
	var result T
	if err := Unmarshal(raw, &result); err != nil {
		return result, err
	}
	return result, nil
}

// widestSpan returns the text between the first open and last close
// delimiter if that span parses as JSON.
func widestSpan(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start == -1 {
		return "", false
	}
	end := strings.LastIndexByte(s, close)
	if end <= start {
		return "", false
	}

	span := s[start : end+1]
	var probe interface{}
	if err := json.Unmarshal([]byte(span), &probe); err != nil {
		return "", false
	}
	return span, true
}

// stripFences removes surrounding markdown code fences, with or without a
// language tag.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if newline := strings.IndexByte(trimmed, '\n'); newline != -1 {
			firstLine := strings.TrimSpace(trimmed[:newline])
			// A bare language tag occupies the rest of the fence line.
			if firstLine != "" && !strings.ContainsAny(firstLine, "{[") {
				trimmed = trimmed[newline+1:]
			}
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	return trimmed
}

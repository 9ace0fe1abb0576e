package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// DecodeStrict unmarshals model output that must be a bare JSON document.
func DecodeStrict(text string, v any) error {
	s := strings.TrimSpace(text)
	if s == "" {
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal([]byte(s), v)
}

// DecodeRelaxed pulls a JSON object out of surrounding prose: first from a
// fenced code block, then from the span between the first '{' and last '}'.
func DecodeRelaxed(text string, v any) error {
	s := strings.TrimSpace(text)
	if s == "" {
		return io.ErrUnexpectedEOF
	}

	if m := codeBlockRe.FindStringSubmatch(s); len(m) > 1 {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), v); err == nil {
			return nil
		}
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	sub := s[start : end+1]
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("failed to unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}

// DecodeJSON tries DecodeStrict and then DecodeRelaxed.
func DecodeJSON(text string, v any) error {
	if err := DecodeStrict(text, v); err == nil {
		return nil
	}
	return DecodeRelaxed(text, v)
}

package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first JSON object or array out of model output.
// Models are not guaranteed to honor format instructions, so the search is
// layered: fenced code block first, then balanced-brace scan, then
// balanced-bracket scan.
func ExtractJSON(text string) (string, bool) {
	if fenced, ok := extractFenced(text); ok {
		if candidate, ok := firstBalanced(fenced); ok {
			return candidate, true
		}
	}
	return firstBalanced(text)
}

// extractFenced returns the body of the first ``` fence, tolerating a
// language tag after the opening backticks.
func extractFenced(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if len(firstLine) <= 12 && !strings.ContainsAny(firstLine, "{}[]") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

// firstBalanced returns the first balanced {...} in s, or failing that the
// first balanced [...]. The scan is aware of strings and escapes.
func firstBalanced(s string) (string, bool) {
	if out, ok := balancedSlice(s, '{', '}'); ok {
		return out, true
	}
	return balancedSlice(s, '[', ']')
}

func balancedSlice(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// sanitizeJSON repairs the two malformations models produce most often:
// smart quotes used as delimiters and trailing commas before a closing
// brace or bracket.
func sanitizeJSON(s string) string {
	replacer := strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
	s = replacer.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// DecodeLoose extracts JSON from model output and unmarshals it into out,
// retrying once through the sanitizer. A failure here is the caller's cue to
// use its deterministic fallback.
func DecodeLoose(text string, out any) error {
	candidate, ok := ExtractJSON(text)
	if !ok {
		candidate = strings.TrimSpace(text)
		if candidate == "" {
			return fmt.Errorf("no JSON found in model output")
		}
	}
	strictErr := json.Unmarshal([]byte(candidate), out)
	if strictErr == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(sanitizeJSON(candidate)), out); err != nil {
		return fmt.Errorf("decode model output: %w", strictErr)
	}
	return nil
}

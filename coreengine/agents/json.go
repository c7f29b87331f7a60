package agents

import (
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// ErrNoJSON means a backend reply held no parseable JSON object.
var ErrNoJSON = errors.New("no valid JSON object found in response")

// extractJSON parses text as a JSON object, or failing that the first
// balanced {...} span inside it that parses.
func extractJSON(text string) (map[string]any, error) {
	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err == nil && result != nil {
		return result, nil
	}

	start := -1
	depth := 0
	inString, escaped := false, false
	for i, c := range text {
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
			if start != -1 {
				inString = true
			}
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				result = nil
				if err := json.Unmarshal([]byte(text[start:i+1]), &result); err == nil {
					return result, nil
				}
				start = -1
			}
		}
	}
	return nil, ErrNoJSON
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

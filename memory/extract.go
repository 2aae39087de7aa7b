package memory

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSONObject pulls the first well-formed JSON object out of free-form
// model output. Fallback order: fenced code block, then the first balanced
// bare object. The second return value is false when no object is found, in
// which case callers treat the whole raw content as plain text.
func ExtractJSONObject(raw string) (json.RawMessage, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		if obj, ok := firstBalancedObject(m[1]); ok {
			return obj, true
		}
	}
	return firstBalancedObject(raw)
}

// firstBalancedObject scans for the first '{' that opens a balanced,
// json-valid object. Braces inside strings and escaped quotes are handled;
// on an invalid candidate the scan resumes at the next '{'.
func firstBalancedObject(s string) (json.RawMessage, bool) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case escaped:
				escaped = false
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return json.RawMessage(candidate), true
					}
					i = len(s) // abandon this start position
				}
			}
		}
	}
	return nil, false
}

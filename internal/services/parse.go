package services

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// extractJSON pulls the first JSON value out of free-form model output. It
// strips markdown fences, then scans for the first balanced object or array.
// Returns "" when no JSON-looking span is found.
func extractJSON(text string) string {
	clean := strings.TrimSpace(text)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	start := strings.IndexAny(clean, "{[")
	if start < 0 {
		return ""
	}

	opener := clean[start]
	closer := byte('}')
	if opener == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(clean); i++ {
		c := clean[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return clean[start : i+1]
			}
		}
	}
	return ""
}

// parseClassificationLabel extracts the predicted type from a model
// response. It tries structured JSON first, then YAML, then falls back to
// pattern-based extraction of a type label from plain text. Returns "" when
// nothing usable is found.
func parseClassificationLabel(text string) string {
	if raw := extractJSON(text); raw != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			if class, ok := data["class"].(string); ok && class != "" {
				return strings.TrimSpace(class)
			}
		}
	}

	var data map[string]any
	if err := yaml.Unmarshal([]byte(text), &data); err == nil {
		if class, ok := data["class"].(string); ok && class != "" {
			return strings.TrimSpace(class)
		}
	}

	return extractClassFromText(text)
}

// classLabelPatterns are the plain-text prefixes a model commonly uses when
// it ignores the structured output instruction.
var classLabelPatterns = []string{
	"class: ",
	"document type: ",
	"document class: ",
	"classification: ",
	"type: ",
}

// extractClassFromText scans for a "label: value" line as a last resort.
func extractClassFromText(text string) string {
	lower := strings.ToLower(text)
	for _, pattern := range classLabelPatterns {
		idx := strings.Index(lower, pattern)
		if idx < 0 {
			continue
		}
		start := idx + len(pattern)
		end := strings.IndexByte(lower[start:], '\n')
		if end < 0 {
			end = len(lower) - start
		}
		return strings.Trim(strings.TrimSpace(text[start:start+end]), `"'`)
	}
	return ""
}

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AuditResult is the enforcer's verdict on a pull request.
type AuditResult struct {
	Compliant  bool     `json:"compliant"`
	Violations []string `json:"violations"`
}

// ParseAudit extracts an AuditResult from raw model output.
//
// Models do not reliably emit bare JSON, so parsing is tiered: first the
// first balanced JSON object in the text, then a line-oriented scan for a
// compliance keyword and violation bullets, then ErrAuditParse.
func ParseAudit(text string) (AuditResult, error) {
	if block, ok := firstJSONObject(text); ok {
		var result AuditResult
		if err := json.Unmarshal([]byte(block), &result); err == nil {
			if result.Violations == nil {
				result.Violations = []string{}
			}
			return result, nil
		}
	}

	if result, ok := scanAuditLines(text); ok {
		return result, nil
	}
	return AuditResult{}, fmt.Errorf("%w: %q", ErrAuditParse, truncate(text, 200))
}

// firstJSONObject returns the first balanced {...} block in s. The depth
// counter tracks string literals so braces inside values do not miscount.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// scanAuditLines is the loose fallback for prose-shaped responses.
func scanAuditLines(text string) (AuditResult, bool) {
	var (
		violations   []string
		inViolations bool
		compliant    bool
		found        bool
	)

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		lower := strings.ToLower(line)

		if strings.Contains(lower, "violation") && strings.HasSuffix(lower, ":") {
			inViolations = true
			continue
		}
		if inViolations {
			if rest, ok := cutListMarker(line); ok {
				violations = append(violations, rest)
				continue
			}
			if line != "" {
				inViolations = false
			}
		}
		if strings.Contains(lower, "compliant") {
			found = true
			if strings.Contains(lower, "not compliant") ||
				strings.Contains(lower, "non-compliant") ||
				strings.Contains(lower, "compliant: false") ||
				strings.Contains(lower, "compliant: no") {
				compliant = false
			} else {
				compliant = true
			}
		}
	}

	if len(violations) > 0 {
		return AuditResult{Compliant: false, Violations: violations}, true
	}
	if found {
		return AuditResult{Compliant: compliant, Violations: []string{}}, true
	}
	return AuditResult{}, false
}

// cutListMarker strips a leading bullet ("- ", "* ") or numbered marker
// ("1. ", "2) ") from a list item.
func cutListMarker(line string) (string, bool) {
	if rest, ok := strings.CutPrefix(line, "- "); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(line, "* "); ok {
		return rest, true
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') &&
		strings.HasPrefix(line[i+1:], " ") {
		if rest := strings.TrimSpace(line[i+1:]); rest != "" {
			return rest, true
		}
	}
	return "", false
}

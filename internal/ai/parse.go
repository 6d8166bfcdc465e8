package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/formscout/formscout/internal/domain"
)

var codeBlockPattern = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON pulls the first JSON object or array out of model output.
// Markdown fences are stripped first; otherwise a balanced-bracket scan finds
// the payload in surrounding prose.
func ExtractJSON(text string) string {
	if matches := codeBlockPattern.FindStringSubmatch(text); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	text = strings.TrimSpace(text)

	startObj := strings.Index(text, "{")
	startArr := strings.Index(text, "[")

	start := -1
	isArray := false
	if startObj >= 0 && (startArr < 0 || startObj < startArr) {
		start = startObj
	} else if startArr >= 0 {
		start = startArr
		isArray = true
	}
	if start < 0 {
		return ""
	}

	text = text[start:]
	depth := 0
	inString := false
	escaped := false

	openBracket, closeBracket := byte('{'), byte('}')
	if isArray {
		openBracket, closeBracket = '[', ']'
	}

	for i := 0; i < len(text); i++ {
		ch := text[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if ch == openBracket {
			depth++
		} else if ch == closeBracket {
			depth--
			if depth == 0 {
				return text[:i+1]
			}
		}
	}

	return ""
}

// Escape sequences JSON actually allows after a backslash
var validEscapes = map[byte]bool{
	'"': true, '\\': true, '/': true, 'b': true,
	'f': true, 'n': true, 'r': true, 't': true, 'u': true,
}

// SanitizeJSON doubles invalid escape sequences the model sometimes emits
// inside strings, e.g. a selector containing \E becomes \\E.
func SanitizeJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]

		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			b.WriteByte(ch)
			continue
		}

		if inString && ch == '\\' && i+1 < len(s) && !validEscapes[s[i+1]] {
			b.WriteString(`\\`)
			continue
		}

		b.WriteByte(ch)
	}

	return b.String()
}

// DecodeSteps parses a steps reply. The model is told to return an object
// with a "steps" array, but a bare array is accepted too.
func DecodeSteps(raw string) (*StepsResult, error) {
	jsonStr := ExtractJSON(raw)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in model output")
	}

	var result StepsResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err == nil {
		if result.Steps != nil || result.NoMorePaths || result.PageErrorDetected ||
			result.LoginFailed || result.AlreadyLoggedIn || result.ValidationErrorsDetected {
			return &result, nil
		}
	}

	// Retry with sanitized escapes
	sanitized := SanitizeJSON(jsonStr)
	if err := json.Unmarshal([]byte(sanitized), &result); err == nil {
		if result.Steps != nil || result.NoMorePaths || result.PageErrorDetected ||
			result.LoginFailed || result.AlreadyLoggedIn || result.ValidationErrorsDetected {
			return &result, nil
		}
	}

	// Bare array fallback
	var steps []domain.Step
	if err := json.Unmarshal([]byte(sanitized), &steps); err != nil {
		return nil, fmt.Errorf("decoding steps: %w", err)
	}

	return &StepsResult{Steps: steps}, nil
}

// DecodeJSON extracts, sanitizes and unmarshals into v
func DecodeJSON(raw string, v any) error {
	jsonStr := ExtractJSON(raw)
	if jsonStr == "" {
		return fmt.Errorf("no JSON found in model output")
	}

	if err := json.Unmarshal([]byte(jsonStr), v); err == nil {
		return nil
	}

	if err := json.Unmarshal([]byte(SanitizeJSON(jsonStr)), v); err != nil {
		return fmt.Errorf("decoding model output: %w", err)
	}

	return nil
}

package observability

import (
	"regexp"
	"strings"
)

// Redactor handles sensitive data masking in logs and in guided-prompt
// suggestion text.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a new redactor with default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	// API keys - various formats
	r.AddPattern(`sk-[a-zA-Z0-9]{20,}`, "[REDACTED_OPENAI_KEY]", "openai_key")
	r.AddPattern(`sk-ant-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_ANTHROPIC_KEY]", "anthropic_key")
	r.AddPattern(`hf_[a-zA-Z0-9]{30,}`, "[REDACTED_HF_KEY]", "huggingface_key")

	// Bearer tokens and auth headers
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token")
	r.AddPattern(`Authorization:\s*[^\s]+`, "Authorization: [REDACTED]", "auth_header")

	// PII classes the guided-prompt validator must strip
	r.AddPattern(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[REDACTED]", "email")
	r.AddPattern(`\+?[0-9]{1,3}[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`, "[REDACTED]", "phone")
	r.AddPattern(`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`, "[REDACTED]", "credit_card")
}

// AddPattern adds a custom redaction pattern.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return // Skip invalid patterns
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies all redaction patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// ContainsPII reports whether input matches any PII pattern, i.e.
// redaction would change it.
func (r *Redactor) ContainsPII(input string) bool {
	return r.Redact(input) != input
}

// RedactMap redacts sensitive values in a map.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = r.redactValue(k, v)
	}
	return result
}

func (r *Redactor) redactValue(key string, value any) any {
	lowerKey := strings.ToLower(key)
	sensitiveKeys := []string{"key", "token", "secret", "password", "auth", "credential", "api_key", "apikey"}
	for _, sk := range sensitiveKeys {
		if strings.Contains(lowerKey, sk) {
			return "[REDACTED]"
		}
	}

	switch v := value.(type) {
	case string:
		return r.Redact(v)
	case error:
		return r.Redact(v.Error())
	default:
		return value
	}
}

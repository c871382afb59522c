package observability

import (
	"strings"
	"testing"
)

func TestRedactKeys(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"openai key", "failed with key sk-abcdefghijklmnopqrstuvwx", "failed with key [REDACTED_OPENAI_KEY]"},
		{"hf key", "token hf_abcdefghijklmnopqrstuvwxyz012345 rejected", "token [REDACTED_HF_KEY] rejected"},
		{"bearer", "header Bearer eyJhbGciOi.payload.sig", "header Bearer [REDACTED]"},
		{"email", "reach me at alice@example.com today", "reach me at [REDACTED] today"},
		{"phone", "call +1-555-123-4567 now", "call [REDACTED] now"},
		{"credit card", "card 4111 1111 1111 1111 on file", "card [REDACTED] on file"},
		{"clean", "nothing sensitive here", "nothing sensitive here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Redact(tt.input); got != tt.want {
				t.Fatalf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestContainsPII(t *testing.T) {
	r := NewRedactor()
	if !r.ContainsPII("email bob@example.org") {
		t.Fatal("email not flagged")
	}
	if r.ContainsPII("plain search query about plants") {
		t.Fatal("clean text flagged")
	}
}

func TestRedactMapSensitiveKeys(t *testing.T) {
	r := NewRedactor()
	out := r.RedactMap(map[string]any{
		"api_key":  "sk-short",
		"password": "hunter2",
		"query":    "contact carol@example.net",
		"count":    7,
	})

	if out["api_key"] != "[REDACTED]" || out["password"] != "[REDACTED]" {
		t.Fatalf("sensitive keys survived: %v", out)
	}
	if s, _ := out["query"].(string); strings.Contains(s, "@example.net") {
		t.Fatalf("value not redacted: %v", out["query"])
	}
	if out["count"] != 7 {
		t.Fatalf("non-string value changed: %v", out["count"])
	}
}

func TestAddPatternInvalidRegexIgnored(t *testing.T) {
	r := NewRedactor()
	before := len(r.patterns)
	r.AddPattern("([unclosed", "x", "bad")
	if len(r.patterns) != before {
		t.Fatal("invalid pattern was added")
	}
}

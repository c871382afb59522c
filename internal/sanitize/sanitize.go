// Package sanitize validates and cleans inbound query text: length
// bounds, HTML/script stripping, and prompt-injection pattern
// detection.
package sanitize

import (
	"regexp"
	"strings"

	pkgerrors "github.com/relago-ai/relago/pkg/errors"
)

const (
	// MaxQueryLength is the post-sanitization cap enforced by the
	// gateway middleware.
	MaxQueryLength = 1000
)

var scriptTagRE = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>|<script[^>]*/?>|</script>`)

var htmlTagRE = regexp.MustCompile(`(?s)<[^>]+>`)

// injectionPatterns flag queries that try to subvert the synthesis
// prompt. Matching queries are rejected, not rewritten.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(prior|previous)\s+(instructions|prompts)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s*mode`),
	regexp.MustCompile(`(?i)system\s*prompt\s*[:=]`),
	regexp.MustCompile(`(?i)\{\{.*\}\}`),
	regexp.MustCompile("(?i)<\\|im_start\\|>|<\\|im_end\\|>"),
}

// Result is the outcome of sanitizing one query.
type Result struct {
	Clean     string
	Modified  bool
	Injection bool
}

// Query checks raw against the injection patterns and strips markup.
// A validation error is returned for empty, oversized, or
// injection-flagged queries.
func Query(raw string) (Result, error) {
	res := Result{}

	// Patterns run against the raw input first: the markup strip below
	// would erase ChatML delimiters like <|im_start|> before they are
	// seen.
	for _, p := range injectionPatterns {
		if p.MatchString(raw) {
			res.Injection = true
			return res, pkgerrors.NewValidation("query matches injection pattern")
		}
	}

	cleaned := scriptTagRE.ReplaceAllString(raw, "")
	cleaned = htmlTagRE.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	res.Modified = cleaned != strings.TrimSpace(raw)
	res.Clean = cleaned

	if cleaned == "" {
		return res, pkgerrors.NewValidation("query is empty after sanitization")
	}
	if len(cleaned) > MaxQueryLength {
		return res, pkgerrors.NewValidation("query exceeds maximum length")
	}

	// Second pass on the cleaned text catches patterns the strip
	// assembles, e.g. directives split by inline tags.
	for _, p := range injectionPatterns {
		if p.MatchString(cleaned) {
			res.Injection = true
			return res, pkgerrors.NewValidation("query matches injection pattern")
		}
	}

	return res, nil
}

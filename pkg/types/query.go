// Package types defines the shared data model for the retrieval
// orchestrator: query requests, lane requests/results, sources,
// refinement output, and streaming events.
package types

// GuidedPromptMode controls whether the guided-prompt refinement stage
// runs before retrieval.
type GuidedPromptMode string

const (
	GuidedPromptOn           GuidedPromptMode = "on"
	GuidedPromptOff          GuidedPromptMode = "off"
	GuidedPromptBypassOnce   GuidedPromptMode = "bypass_once"
	GuidedPromptAlwaysBypass GuidedPromptMode = "always_bypass"
)

// Valid reports whether m is one of the recognized modes.
func (m GuidedPromptMode) Valid() bool {
	switch m {
	case GuidedPromptOn, GuidedPromptOff, GuidedPromptBypassOnce, GuidedPromptAlwaysBypass:
		return true
	}
	return false
}

// QueryRequest is a single inbound query. It is immutable after
// creation; the gateway owns it for the duration of the request.
type QueryRequest struct {
	QueryText        string           `json:"query"`
	TraceID          string           `json:"trace_id"`
	UserID           string           `json:"user_id,omitempty"`
	GuidedPromptMode GuidedPromptMode `json:"guided_prompt_mode,omitempty"`
	MaxTokens        int              `json:"max_tokens,omitempty"`
	Temperature      float64          `json:"temperature,omitempty"`
}

// SearchResponse is the body of POST /search.
type SearchResponse struct {
	TraceID           string            `json:"trace_id"`
	Answer            string            `json:"answer"`
	Sources           []Source          `json:"sources"`
	Providers         ProviderSelection `json:"providers"`
	TimingsMS         map[string]int64  `json:"timings_ms"`
	Warnings          []string          `json:"warnings"`
	Degraded          bool              `json:"degraded,omitempty"`
	RefinementPending []Suggestion      `json:"refinement_pending,omitempty"`
}

// ProviderSelection names the provider and model that synthesized the
// answer.
type ProviderSelection struct {
	LLM   string `json:"llm"`
	Model string `json:"model"`
}

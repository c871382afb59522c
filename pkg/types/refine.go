package types

// SuggestionType classifies a guided-prompt refinement suggestion.
type SuggestionType string

const (
	SuggestRefine       SuggestionType = "refine"
	SuggestDisambiguate SuggestionType = "disambiguate"
	SuggestDecompose    SuggestionType = "decompose"
	SuggestConstrain    SuggestionType = "constrain"
	SuggestSanitize     SuggestionType = "sanitize"
)

// Suggestion is one refinement option offered to the user.
type Suggestion struct {
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	RefinedQuery string         `json:"refined_query"`
	Type         SuggestionType `json:"type"`
	Confidence   float64        `json:"confidence"`
}

// ConstraintChip is a selectable filter surfaced alongside suggestions.
type ConstraintChip struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Type    string   `json:"type"`
	Options []string `json:"options,omitempty"`
}

// RefinementResult is the guided-prompt engine's output. It lives only
// until the user acts on it or the refinement budget elapses.
type RefinementResult struct {
	ShouldTrigger bool             `json:"should_trigger"`
	Suggestions   []Suggestion     `json:"suggestions"`
	Constraints   []ConstraintChip `json:"constraints"`
	LatencyMS     int64            `json:"latency_ms"`
	ModelUsed     string           `json:"model_used,omitempty"`
	CostUSD       float64          `json:"cost_usd"`
	BypassReason  string           `json:"bypass_reason,omitempty"`
}

// RefineContext carries optional caller context for a refinement call.
type RefineContext struct {
	UserID     string `json:"user_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Language   string `json:"language,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
}

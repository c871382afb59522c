// Package guided implements the optional pre-retrieval refinement
// step: one short, cheap LLM call that proposes better phrasings of a
// vague query, under hard latency and cost caps.
package guided

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/goccy/go-json"

	"github.com/relago-ai/relago/internal/config"
	"github.com/relago-ai/relago/internal/deadline"
	"github.com/relago-ai/relago/internal/observability"
	"github.com/relago-ai/relago/internal/provider"
	"github.com/relago-ai/relago/pkg/types"
)

// Model tiers the engine selects between.
const (
	TierFastCheap = "fast_cheap"
	TierQuality   = "quality"
	TierLMM       = "lmm"
)

// qualityBudgetFloor is the minimum latency budget at which the
// quality tier is worth its extra latency.
const qualityBudgetFloor = 400 * time.Millisecond

// budgetSkipFraction skips refinement entirely when less than this
// share of the daily budget remains.
const budgetSkipFraction = 0.10

// intentConfidenceSkip skips refinement for queries that already read
// as well-formed.
const intentConfidenceSkip = 0.8

var bypassKeywords = []string{"skip", "bypass", "direct", "immediate"}

var hypeWords = []string{
	"revolutionary", "amazing", "incredible", "ultimate",
	"game-changing", "unbelievable", "world-class", "best ever",
}

// Input is one refinement request.
type Input struct {
	Query          string
	Mode           types.GuidedPromptMode
	Context        types.RefineContext
	HasAttachments bool
	TraceID        string
}

// ModelSource supplies available providers and their models; the
// provider Registry satisfies it.
type ModelSource interface {
	ListAvailable() []types.ProviderDescriptor
	ModelsFor(providerID string) []types.ModelDescriptor
	Get(providerID string) (provider.Provider, bool)
	RecordResult(providerID string, success bool, latency time.Duration)
	Allow(providerID string) bool
}

// Engine runs the guided-prompt refinement flow.
type Engine struct {
	cfg      config.GuidedConfig
	models   ModelSource
	costs    *CostTracker
	redactor *observability.Redactor
	logger   *observability.Logger

	// bypass_once flips to on for the user's next request.
	modeMu        sync.Mutex
	modeOverrides map[string]types.GuidedPromptMode
}

// NewEngine creates the guided-prompt engine.
func NewEngine(cfg config.GuidedConfig, models ModelSource, redactor *observability.Redactor, logger *observability.Logger) *Engine {
	return &Engine{
		cfg:           cfg,
		models:        models,
		costs:         NewCostTracker(cfg.DailyBudgetUSD),
		redactor:      redactor,
		logger:        logger,
		modeOverrides: make(map[string]types.GuidedPromptMode),
	}
}

// Costs exposes the daily spend tracker.
func (e *Engine) Costs() *CostTracker { return e.costs }

// EffectiveMode resolves the mode for this request, applying any
// stored bypass_once flip from the user's previous request.
func (e *Engine) EffectiveMode(userID string, requested types.GuidedPromptMode) types.GuidedPromptMode {
	e.modeMu.Lock()
	defer e.modeMu.Unlock()

	if requested == "" {
		if userID != "" {
			if override, ok := e.modeOverrides[userID]; ok {
				delete(e.modeOverrides, userID)
				return override
			}
		}
		return types.GuidedPromptOn
	}
	if requested == types.GuidedPromptBypassOnce && userID != "" {
		e.modeOverrides[userID] = types.GuidedPromptOn
	}
	return requested
}

// Refine evaluates the trigger rules and, when they pass, makes the
// bounded LLM call. It never returns an error; every failure path
// folds into a non-triggering result with a bypass reason.
func (e *Engine) Refine(ctx context.Context, in Input) *types.RefinementResult {
	start := time.Now()
	mode := e.EffectiveMode(in.Context.UserID, in.Mode)

	if reason := e.skipReason(mode, in.Query); reason != "" {
		return &types.RefinementResult{
			ShouldTrigger: false,
			Suggestions:   []types.Suggestion{},
			BypassReason:  reason,
			LatencyMS:     time.Since(start).Milliseconds(),
		}
	}

	providerID, model := e.selectModel(selectTier(in.HasAttachments, e.cfg.Budget))
	if model == nil {
		return &types.RefinementResult{
			ShouldTrigger: false,
			Suggestions:   []types.Suggestion{},
			BypassReason:  "no_model",
			LatencyMS:     time.Since(start).Milliseconds(),
		}
	}

	estCost := float64(e.cfg.MaxOutputTokens) / 1000 * model.CostPer1KTokens
	if maxCost := e.costs.PerRequestCapUSD(); estCost > maxCost {
		return &types.RefinementResult{
			ShouldTrigger: false,
			Suggestions:   []types.Suggestion{},
			BypassReason:  "budget",
			LatencyMS:     time.Since(start).Milliseconds(),
		}
	}

	suggestions, err := e.callModel(ctx, providerID, model.ModelID, in.Query)
	latency := time.Since(start)
	if latency > e.cfg.Budget {
		latency = e.cfg.Budget
	}

	if err != nil {
		reason := "error"
		if err == deadline.ErrDeadlineExceeded {
			reason = "budget"
		}
		return &types.RefinementResult{
			ShouldTrigger: false,
			Suggestions:   []types.Suggestion{},
			BypassReason:  reason,
			LatencyMS:     latency.Milliseconds(),
		}
	}

	e.costs.Charge(estCost)
	return &types.RefinementResult{
		ShouldTrigger: len(suggestions) > 0,
		Suggestions:   suggestions,
		Constraints:   defaultChips(),
		LatencyMS:     latency.Milliseconds(),
		ModelUsed:     model.ModelID,
		CostUSD:       estCost,
	}
}

// skipReason returns the non-empty bypass reason when any trigger rule
// says to skip.
func (e *Engine) skipReason(mode types.GuidedPromptMode, query string) string {
	switch mode {
	case types.GuidedPromptOff:
		return "mode_off"
	case types.GuidedPromptAlwaysBypass, types.GuidedPromptBypassOnce:
		return "mode_bypass"
	}
	if containsBypassKeyword(query) {
		return "keyword"
	}
	if IntentConfidence(query) >= intentConfidenceSkip {
		return "intent_confident"
	}
	if e.costs.RemainingFraction() < budgetSkipFraction {
		return "budget"
	}
	return ""
}

func containsBypassKeyword(query string) bool {
	for _, word := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		for _, kw := range bypassKeywords {
			if word == kw {
				return true
			}
		}
	}
	return false
}

// IntentConfidence scores how well-formed the query already is. Longer
// queries with question structure and concrete qualifiers score high;
// terse imperative fragments score low.
func IntentConfidence(query string) float64 {
	words := strings.Fields(query)
	score := 0.2

	n := len(words)
	if n > 12 {
		n = 12
	}
	score += 0.04 * float64(n)

	lower := strings.ToLower(query)
	for _, qw := range []string{"what", "how", "why", "when", "where", "which", "who"} {
		if strings.HasPrefix(lower, qw+" ") {
			score += 0.15
			break
		}
	}
	if strings.Contains(query, "\"") {
		score += 0.1
	}
	for _, w := range words {
		if len(w) == 4 && isDigits(w) {
			score += 0.1 // a year pins the intent down
			break
		}
	}
	if strings.HasSuffix(strings.TrimSpace(query), "?") {
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	return score
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// selectTier picks the model class for this call.
func selectTier(hasAttachments bool, budget time.Duration) string {
	if hasAttachments {
		return TierLMM
	}
	if budget >= qualityBudgetFloor {
		return TierQuality
	}
	return TierFastCheap
}

// selectModel finds the first available model advertising the tier as
// a capability, walking providers in priority order. When no model
// matches, it falls back to the cheapest model of the first provider.
func (e *Engine) selectModel(tier string) (string, *types.ModelDescriptor) {
	var fallbackProvider string
	var fallback *types.ModelDescriptor

	for _, desc := range e.models.ListAvailable() {
		if !e.models.Allow(desc.ID) {
			continue
		}
		for _, m := range e.models.ModelsFor(desc.ID) {
			m := m
			for _, c := range m.Capabilities {
				if c == tier {
					return desc.ID, &m
				}
			}
			if fallback == nil || m.CostPer1KTokens < fallback.CostPer1KTokens {
				fallbackProvider = desc.ID
				fallback = &m
			}
		}
	}
	return fallbackProvider, fallback
}

const refineSystemPrompt = `You rewrite vague search queries. Respond with a JSON array of at most 3 objects, each {"title","description","refined_query","type","confidence"} where type is one of refine, disambiguate, decompose, constrain, sanitize and refined_query is 5 to 20 plain words. No marketing language.`

type rawSuggestion struct {
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	RefinedQuery string  `json:"refined_query"`
	Type         string  `json:"type"`
	Confidence   float64 `json:"confidence"`
}

func (e *Engine) callModel(ctx context.Context, providerID, modelID, query string) ([]types.Suggestion, error) {
	adapter, ok := e.models.Get(providerID)
	if !ok {
		return nil, deadline.ErrDeadlineExceeded
	}

	res := deadline.RunValue(ctx, e.cfg.Budget, func(ctx context.Context) (*provider.Response, error) {
		return adapter.Complete(ctx, provider.Request{
			Model:     modelID,
			System:    refineSystemPrompt,
			Prompt:    query,
			MaxTokens: e.cfg.MaxOutputTokens,
		})
	})

	success := res.Err == nil
	e.models.RecordResult(providerID, success, res.Elapsed)
	if res.Err != nil {
		if res.DeadlineHit {
			return nil, deadline.ErrDeadlineExceeded
		}
		return nil, res.Err
	}

	return e.parseSuggestions(res.Value.Content), nil
}

// parseSuggestions decodes the model output and applies output
// validation. Suggestions that fail validation are dropped rather than
// repaired; PII is redacted in place.
func (e *Engine) parseSuggestions(content string) []types.Suggestion {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "["); i >= 0 {
		if j := strings.LastIndex(content, "]"); j > i {
			content = content[i : j+1]
		}
	}

	var raw []rawSuggestion
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil
	}

	out := make([]types.Suggestion, 0, 3)
	for _, r := range raw {
		if len(out) == 3 {
			break
		}
		s, ok := e.validate(r)
		if !ok {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (e *Engine) validate(r rawSuggestion) (types.Suggestion, bool) {
	words := len(strings.Fields(r.RefinedQuery))
	if words < 5 || words > 20 {
		return types.Suggestion{}, false
	}

	lower := strings.ToLower(r.Title + " " + r.Description + " " + r.RefinedQuery)
	for _, hw := range hypeWords {
		if strings.Contains(lower, hw) {
			return types.Suggestion{}, false
		}
	}

	st := types.SuggestionType(r.Type)
	switch st {
	case types.SuggestRefine, types.SuggestDisambiguate, types.SuggestDecompose,
		types.SuggestConstrain, types.SuggestSanitize:
	default:
		st = types.SuggestRefine
	}

	conf := r.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	s := types.Suggestion{
		Title:        r.Title,
		Description:  r.Description,
		RefinedQuery: r.RefinedQuery,
		Type:         st,
		Confidence:   conf,
	}
	if e.redactor != nil {
		s.Title = e.redactor.Redact(s.Title)
		s.Description = e.redactor.Redact(s.Description)
		s.RefinedQuery = e.redactor.Redact(s.RefinedQuery)
	}
	return s, true
}

func defaultChips() []types.ConstraintChip {
	return []types.ConstraintChip{
		{ID: "timeframe", Label: "Time range", Type: "select", Options: []string{"any", "past year", "past month"}},
		{ID: "source_type", Label: "Source type", Type: "select", Options: []string{"any", "web", "knowledge graph"}},
	}
}

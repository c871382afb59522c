// Package router implements the scoring model router. It selects one
// (provider, model) pair per request from the declarative catalog,
// weighting quality, speed, cost, and context fit, and skipping
// providers whose circuit is open.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/relago-ai/relago/internal/observability"
	"github.com/relago-ai/relago/internal/provider"
	"github.com/relago-ai/relago/internal/resilience"
	"github.com/relago-ai/relago/pkg/types"
)

// Weights control the scoring terms. They sum to 1 by convention but
// the router does not require it.
type Weights struct {
	Quality    float64
	Speed      float64
	Cost       float64
	ContextFit float64
	// Circuit is subtracted from the score of providers whose breaker
	// is half-open, preferring healthy providers over trial calls.
	Circuit float64
}

// DefaultWeights mirror the catalog defaults.
func DefaultWeights() Weights {
	return Weights{Quality: 0.40, Speed: 0.20, Cost: 0.30, ContextFit: 0.10, Circuit: 0.05}
}

// Input describes one routing request.
type Input struct {
	QueryText             string
	RequiredContextTokens int
	TaskTags              []string
	BudgetHint            float64 // max acceptable cost per 1k tokens; 0 = unbounded
}

// Candidate is one scored (provider, model) pair.
type Candidate struct {
	ProviderID string  `json:"provider_id"`
	ModelID    string  `json:"model_id"`
	Score      float64 `json:"score"`
}

// Decision is the routing outcome. Candidates is the full failover
// order: the selection first, then alternatives best-first, with the
// stub pair always reachable last.
type Decision struct {
	SelectedProviderID string
	SelectedModelID    string
	Alternatives       []Candidate // at most 3
	Candidates         []Candidate
	TraceID            string
	Reasoning          string
}

// Router scores catalog pairs against registry availability and health.
type Router struct {
	registry *provider.Registry
	weights  Weights
	logger   *observability.Logger
}

// New creates a scoring router.
func New(registry *provider.Registry, weights Weights, logger *observability.Logger) *Router {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Router{registry: registry, weights: weights, logger: logger}
}

// EstimateContextTokens approximates the prompt's token demand at four
// characters per token plus headroom for retrieved snippets.
func EstimateContextTokens(queryText string, sourceCount int) int {
	return len(queryText)/4 + sourceCount*256 + 512
}

// Route selects a model for the request. When no scored candidate
// survives the filters, the stub provider is returned; Route never
// fails.
func (r *Router) Route(ctx context.Context, in Input) Decision {
	traceID := observability.TraceIDFromContext(ctx)

	type scored struct {
		cand        Candidate
		priority    int
		successRate float64
	}
	var pairs []scored

	for _, desc := range r.registry.ListAvailable() {
		if desc.Tier == types.TierStub {
			continue // appended unconditionally below
		}
		state := r.registry.CircuitState(desc.ID)
		if state == resilience.StateOpen {
			continue
		}
		circuitPenalty := 0.0
		if state == resilience.StateHalfOpen {
			circuitPenalty = r.weights.Circuit
		}

		for _, m := range r.registry.ModelsFor(desc.ID) {
			if m.ContextWindow < in.RequiredContextTokens {
				continue
			}
			if in.BudgetHint > 0 && m.CostPer1KTokens*desc.CostMultiplier > in.BudgetHint {
				continue
			}

			costTerm := 1.0 / (1.0 + m.CostPer1KTokens*desc.CostMultiplier)
			fitTerm := contextFit(m.ContextWindow, in.RequiredContextTokens)
			score := r.weights.Quality*m.Quality +
				r.weights.Speed*m.SpeedScore +
				r.weights.Cost*costTerm +
				r.weights.ContextFit*fitTerm -
				circuitPenalty

			pairs = append(pairs, scored{
				cand:        Candidate{ProviderID: desc.ID, ModelID: m.ModelID, Score: score},
				priority:    desc.Priority,
				successRate: r.registry.SuccessRate(desc.ID),
			})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].cand.Score != pairs[j].cand.Score {
			return pairs[i].cand.Score > pairs[j].cand.Score
		}
		if pairs[i].priority != pairs[j].priority {
			return pairs[i].priority < pairs[j].priority
		}
		if pairs[i].successRate != pairs[j].successRate {
			return pairs[i].successRate > pairs[j].successRate
		}
		return pairs[i].cand.ModelID < pairs[j].cand.ModelID
	})

	candidates := make([]Candidate, 0, len(pairs)+1)
	for _, p := range pairs {
		candidates = append(candidates, p.cand)
	}
	candidates = append(candidates, r.stubCandidate())

	dec := Decision{
		SelectedProviderID: candidates[0].ProviderID,
		SelectedModelID:    candidates[0].ModelID,
		Candidates:         candidates,
		TraceID:            traceID,
	}
	for _, alt := range candidates[1:] {
		if len(dec.Alternatives) == 3 {
			break
		}
		dec.Alternatives = append(dec.Alternatives, alt)
	}
	dec.Reasoning = r.reasoning(in, dec)

	if r.logger != nil {
		r.logger.WithTraceID(ctx).Info("model selected",
			"provider", dec.SelectedProviderID,
			"model", dec.SelectedModelID,
			"alternatives", summarize(dec.Alternatives),
			"weights", fmt.Sprintf("q=%.2f s=%.2f c=%.2f f=%.2f cb=%.2f",
				r.weights.Quality, r.weights.Speed, r.weights.Cost, r.weights.ContextFit, r.weights.Circuit),
			"reasoning", dec.Reasoning,
		)
	}
	return dec
}

func (r *Router) stubCandidate() Candidate {
	modelID := "stub-echo"
	if models := r.registry.ModelsFor(provider.StubID); len(models) > 0 {
		modelID = models[0].ModelID
	}
	return Candidate{ProviderID: provider.StubID, ModelID: modelID}
}

func (r *Router) reasoning(in Input, dec Decision) string {
	if dec.SelectedProviderID == provider.StubID {
		return "no scored candidate passed availability, circuit, and context filters; emergency stub fallback"
	}
	return fmt.Sprintf("best of %d candidates for ~%d context tokens (score %.3f)",
		len(dec.Candidates)-1, in.RequiredContextTokens, dec.Candidates[0].Score)
}

// contextFit rewards windows comfortably above the requirement without
// over-rewarding huge windows.
func contextFit(window, required int) float64 {
	if required <= 0 {
		return 1.0
	}
	ratio := float64(window) / float64(required)
	if ratio >= 4 {
		return 1.0
	}
	return ratio / 4
}

func summarize(alts []Candidate) string {
	parts := make([]string, 0, len(alts))
	for _, a := range alts {
		parts = append(parts, a.ProviderID+"/"+a.ModelID)
	}
	return strings.Join(parts, ",")
}

package provider

import (
	"sort"
	"sync"
	"time"

	"github.com/relago-ai/relago/internal/config"
	"github.com/relago-ai/relago/internal/metrics"
	"github.com/relago-ai/relago/internal/resilience"
	"github.com/relago-ai/relago/pkg/types"
)

// ewmaAlpha weights recent observations in the health averages.
const ewmaAlpha = 0.3

// Health is the per-provider health view exposed on /health/providers.
type Health struct {
	State               string  `json:"state"`
	EWMALatencyMS       float64 `json:"ewma_latency_ms"`
	EWMASuccessRate     float64 `json:"ewma_success_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastFailureTS       *int64  `json:"last_failure_ts,omitempty"`
	OpenUntilTS         *int64  `json:"open_until_ts,omitempty"`
}

type healthState struct {
	mu              sync.Mutex
	ewmaLatencyMS   float64
	ewmaSuccessRate float64
	samples         int
}

// CatalogSource supplies the current model catalog; the config
// CatalogManager satisfies it.
type CatalogSource interface {
	Get() *types.Catalog
}

// Registry enumerates providers, constructs their adapters from the
// catalog plus credentials, and owns per-provider health. Health
// mutation is serialized per provider.
type Registry struct {
	creds    config.ProviderCredentials
	catalog  CatalogSource
	breakers *resilience.Manager

	mu       sync.RWMutex
	adapters map[string]Provider
	health   map[string]*healthState
}

// NewRegistry builds the registry and instantiates adapters for every
// provider the catalog declares. Unknown catalog ids are skipped; the
// stub adapter is always present.
func NewRegistry(creds config.ProviderCredentials, catalog CatalogSource, breakers *resilience.Manager) *Registry {
	r := &Registry{
		creds:    creds,
		catalog:  catalog,
		breakers: breakers,
		adapters: make(map[string]Provider),
		health:   make(map[string]*healthState),
	}
	r.buildAdapters()
	return r
}

func (r *Registry) buildAdapters() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := r.creds.LLMTimeout

	for _, desc := range r.catalog.Get().Providers {
		switch desc.ID {
		case "ollama_local":
			base := r.creds.OllamaBaseURL
			if base == "" {
				base = "http://localhost:11434/v1"
			}
			r.adapters[desc.ID] = NewOpenAICompat(CompatInfo{
				ID:             desc.ID,
				DefaultBaseURL: base,
			}, base, "", timeout)
		case "huggingface":
			r.adapters[desc.ID] = NewOpenAICompat(CompatInfo{
				ID:             desc.ID,
				DefaultBaseURL: "https://router.huggingface.co/v1",
			}, "", r.creds.HuggingFaceAPIKey, timeout)
		case "openai":
			r.adapters[desc.ID] = NewOpenAICompat(CompatInfo{
				ID:             desc.ID,
				DefaultBaseURL: "https://api.openai.com/v1",
			}, "", r.creds.OpenAIAPIKey, timeout)
		case "anthropic":
			r.adapters[desc.ID] = NewAnthropic("", r.creds.AnthropicAPIKey, timeout)
		case StubID:
			r.adapters[desc.ID] = NewStub()
		}
	}

	// The stub exists even when the catalog forgets it.
	if _, ok := r.adapters[StubID]; !ok {
		r.adapters[StubID] = NewStub()
	}
}

// available reports whether the provider's prerequisites are met:
// credentials present when required, paid tier gated by the paid-API
// flag. Pure read of config; no I/O.
func (r *Registry) available(desc types.ProviderDescriptor) bool {
	if desc.Tier == types.TierStub {
		return true
	}
	if desc.Tier == types.TierPaid && !r.creds.EnablePaidAPI {
		return false
	}
	if desc.RequiresKey && r.keyFor(desc.ID) == "" {
		return false
	}
	_, ok := r.adapter(desc.ID)
	return ok
}

func (r *Registry) keyFor(providerID string) string {
	switch providerID {
	case "huggingface":
		return r.creds.HuggingFaceAPIKey
	case "openai":
		return r.creds.OpenAIAPIKey
	case "anthropic":
		return r.creds.AnthropicAPIKey
	default:
		return ""
	}
}

func (r *Registry) adapter(providerID string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.adapters[providerID]
	return p, ok
}

// Get returns the adapter for providerID.
func (r *Registry) Get(providerID string) (Provider, bool) {
	return r.adapter(providerID)
}

// ListAvailable returns descriptors whose prerequisites are satisfied,
// sorted by priority with the stub always last.
func (r *Registry) ListAvailable() []types.ProviderDescriptor {
	cat := r.catalog.Get()
	out := make([]types.ProviderDescriptor, 0, len(cat.Providers))
	for _, desc := range cat.Providers {
		if r.available(desc) {
			out = append(out, desc)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].Tier == types.TierStub) != (out[j].Tier == types.TierStub) {
			return out[j].Tier == types.TierStub
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// ModelsFor returns the catalog models belonging to providerID.
func (r *Registry) ModelsFor(providerID string) []types.ModelDescriptor {
	var out []types.ModelDescriptor
	for _, m := range r.catalog.Get().Models {
		if m.ProviderID == providerID {
			out = append(out, m)
		}
	}
	return out
}

// RecordResult updates EWMA health, the breaker, and metrics for one
// completed provider call.
func (r *Registry) RecordResult(providerID string, success bool, latency time.Duration) {
	hs := r.healthFor(providerID)
	hs.mu.Lock()
	latencyMS := float64(latency.Milliseconds())
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if hs.samples == 0 {
		hs.ewmaLatencyMS = latencyMS
		hs.ewmaSuccessRate = outcome
	} else {
		hs.ewmaLatencyMS = ewmaAlpha*latencyMS + (1-ewmaAlpha)*hs.ewmaLatencyMS
		hs.ewmaSuccessRate = ewmaAlpha*outcome + (1-ewmaAlpha)*hs.ewmaSuccessRate
	}
	hs.samples++
	hs.mu.Unlock()

	cb := r.breakers.GetCircuitBreaker(breakerKey(providerID))
	metrics.ProviderRequestsTotal.WithLabelValues(providerID).Inc()
	metrics.ProviderLatencyMS.WithLabelValues(providerID).Observe(latencyMS)
	if success {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
		metrics.ProviderErrorsTotal.WithLabelValues(providerID).Inc()
	}
	metrics.ProviderCircuitState.WithLabelValues(providerID).Set(cb.State().GaugeValue())
}

// Allow consults the provider's breaker before a call is attempted.
func (r *Registry) Allow(providerID string) bool {
	return r.breakers.GetCircuitBreaker(breakerKey(providerID)).Allow()
}

// CircuitState returns the provider's breaker state.
func (r *Registry) CircuitState(providerID string) resilience.CircuitState {
	return r.breakers.GetCircuitBreaker(breakerKey(providerID)).State()
}

// GetHealth returns the current health view for providerID.
func (r *Registry) GetHealth(providerID string) Health {
	hs := r.healthFor(providerID)
	hs.mu.Lock()
	h := Health{
		EWMALatencyMS:   hs.ewmaLatencyMS,
		EWMASuccessRate: hs.ewmaSuccessRate,
	}
	hs.mu.Unlock()

	snap := r.breakers.GetCircuitBreaker(breakerKey(providerID)).Snapshot()
	h.State = snap.State
	h.ConsecutiveFailures = snap.ConsecutiveFailures
	h.LastFailureTS = snap.LastFailureTS
	h.OpenUntilTS = snap.OpenUntilTS
	return h
}

// HealthAll returns the health map for every catalog provider.
func (r *Registry) HealthAll() map[string]Health {
	cat := r.catalog.Get()
	out := make(map[string]Health, len(cat.Providers))
	for _, desc := range cat.Providers {
		out[desc.ID] = r.GetHealth(desc.ID)
	}
	return out
}

// SuccessRate returns the EWMA success rate used for router tie-breaks.
// Providers with no samples report 1.0.
func (r *Registry) SuccessRate(providerID string) float64 {
	hs := r.healthFor(providerID)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.samples == 0 {
		return 1.0
	}
	return hs.ewmaSuccessRate
}

func (r *Registry) healthFor(providerID string) *healthState {
	r.mu.RLock()
	hs, ok := r.health[providerID]
	r.mu.RUnlock()
	if ok {
		return hs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if hs, ok = r.health[providerID]; ok {
		return hs
	}
	hs = &healthState{}
	r.health[providerID] = hs
	return hs
}

func breakerKey(providerID string) string {
	return "provider:" + providerID
}

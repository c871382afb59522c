// Package api wires the request pipeline behind the HTTP handlers:
// sanitize, optional guided refinement, lane fan-out, fusion, model
// routing, and answer synthesis with provider failover.
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relago-ai/relago/internal/config"
	"github.com/relago-ai/relago/internal/deadline"
	"github.com/relago-ai/relago/internal/fusion"
	"github.com/relago-ai/relago/internal/guided"
	"github.com/relago-ai/relago/internal/lane"
	"github.com/relago-ai/relago/internal/metrics"
	"github.com/relago-ai/relago/internal/observability"
	"github.com/relago-ai/relago/internal/provider"
	"github.com/relago-ai/relago/internal/router"
	"github.com/relago-ai/relago/internal/sanitize"
	pkgerrors "github.com/relago-ai/relago/pkg/errors"
	"github.com/relago-ai/relago/pkg/types"
)

// Pipeline executes the full query flow for both the JSON and SSE
// endpoints.
type Pipeline struct {
	cfg          *config.Config
	guided       *guided.Engine
	orchestrator *lane.Orchestrator
	router       *router.Router
	registry     *provider.Registry
	logger       *observability.Logger
}

// NewPipeline wires the pipeline.
func NewPipeline(cfg *config.Config, g *guided.Engine, o *lane.Orchestrator, rt *router.Router, reg *provider.Registry, logger *observability.Logger) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		guided:       g,
		orchestrator: o,
		router:       rt,
		registry:     reg,
		logger:       logger,
	}
}

// retrieval runs sanitation, fan-out, and fusion; shared by Search and
// Stream. It returns the fused sources, the lane outcome, and the
// cleaned query.
func (p *Pipeline) retrieval(ctx context.Context, rawQuery, traceID string) (string, []types.Source, *types.OrchestratorResult, int64, error) {
	clean, err := p.sanitizeQuery(ctx, rawQuery)
	if err != nil {
		return "", nil, nil, 0, err
	}
	sources, orch, fusionMS, err := p.fanout(ctx, clean, traceID)
	return clean, sources, orch, fusionMS, err
}

// fanout runs the lane fan-out and fusion for an already-clean query.
func (p *Pipeline) fanout(ctx context.Context, clean, traceID string) ([]types.Source, *types.OrchestratorResult, int64, error) {
	orch, err := p.orchestrator.Retrieve(ctx, clean, traceID)
	if err != nil && orch == nil {
		return nil, nil, 0, err
	}

	fusionStart := time.Now()
	sources := fusion.Fuse(orch.LaneResults, fusion.DefaultLaneWeights(), p.cfg.Retrieval.TopKFinal)
	fusionMS := time.Since(fusionStart).Milliseconds()

	return sources, orch, fusionMS, nil
}

func (p *Pipeline) sanitizeQuery(ctx context.Context, raw string) (string, error) {
	res, err := sanitize.Query(raw)
	if res.Injection {
		metrics.InjectionAttemptsTotal.Inc()
		p.logger.WithTraceID(ctx).Warn("injection pattern detected")
	}
	if err != nil {
		return "", err
	}
	// Query text is logged only at debug level, and only after
	// sanitation and redaction.
	p.logger.WithTraceID(ctx).RedactedDebug("query sanitized",
		"query", res.Clean,
		"modified", res.Modified,
	)
	return res.Clean, nil
}

// Search runs the non-streaming pipeline for POST /search.
func (p *Pipeline) Search(ctx context.Context, req types.QueryRequest) (*types.SearchResponse, error) {
	start := time.Now()
	traceID := observability.TraceIDFromContext(ctx)

	clean, err := p.sanitizeQuery(ctx, req.QueryText)
	if err != nil {
		return nil, err
	}

	// Refinement runs alongside the lane fan-out so its budget overlaps
	// lane latency instead of extending the request.
	refCh := make(chan *types.RefinementResult, 1)
	if p.guided != nil {
		go func() {
			refCh <- p.guided.Refine(ctx, guided.Input{
				Query:   clean,
				Mode:    req.GuidedPromptMode,
				Context: types.RefineContext{UserID: req.UserID},
				TraceID: traceID,
			})
		}()
	} else {
		refCh <- nil
	}

	sources, orch, fusionMS, err := p.fanout(ctx, clean, traceID)
	if err != nil {
		return nil, err
	}

	dec := p.router.Route(ctx, router.Input{
		QueryText:             clean,
		RequiredContextTokens: router.EstimateContextTokens(clean, len(sources)),
	})

	synthStart := time.Now()
	answer, selection, degraded, err := p.synthesize(ctx, clean, sources, req, dec)
	if err != nil {
		return nil, err
	}
	synthMS := time.Since(synthStart).Milliseconds()

	var refinement []types.Suggestion
	if ref := <-refCh; ref != nil && ref.ShouldTrigger {
		refinement = ref.Suggestions
	}

	resp := &types.SearchResponse{
		TraceID:           traceID,
		Answer:            answer,
		Sources:           sources,
		Providers:         selection,
		Warnings:          orch.Warnings,
		Degraded:          degraded,
		RefinementPending: refinement,
		TimingsMS:         p.timings(orch, fusionMS, synthMS, time.Since(start).Milliseconds()),
	}
	if orch.WarmupCold {
		resp.Warnings = append(resp.Warnings, "warmup_cold")
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	return resp, nil
}

func (p *Pipeline) timings(orch *types.OrchestratorResult, fusionMS, synthMS, totalMS int64) map[string]int64 {
	t := map[string]int64{
		"fusion":    fusionMS,
		"synthesis": synthMS,
		"total":     totalMS,
	}
	for _, name := range types.LaneOrder {
		t[string(name)] = orch.LaneResults[name].LatencyMS
	}
	return t
}

// synthesize walks the failover order until one provider completes.
// The stub terminates the walk; it cannot fail. degraded reports that
// the stub answered only because real candidates failed.
func (p *Pipeline) synthesize(ctx context.Context, query string, sources []types.Source, req types.QueryRequest, dec router.Decision) (string, types.ProviderSelection, bool, error) {
	prompt := buildPrompt(query, sources)
	attempted := 0

	for _, cand := range dec.Candidates {
		adapter, ok := p.registry.Get(cand.ProviderID)
		if !ok {
			continue
		}
		if cand.ProviderID != provider.StubID && !p.registry.Allow(cand.ProviderID) {
			continue
		}
		attempted++

		res := deadline.RunValue(ctx, p.cfg.Providers.LLMTimeout, func(ctx context.Context) (*provider.Response, error) {
			return adapter.Complete(ctx, provider.Request{
				Model:       cand.ModelID,
				System:      synthesisSystemPrompt,
				Prompt:      prompt,
				MaxTokens:   req.MaxTokens,
				Temperature: req.Temperature,
			})
		})
		p.registry.RecordResult(cand.ProviderID, res.Err == nil, res.Elapsed)

		if res.Err != nil {
			p.logger.WithTraceID(ctx).Warn("provider attempt failed",
				"provider", cand.ProviderID,
				"model", cand.ModelID,
				"error", res.Err.Error(),
			)
			continue
		}

		degraded := cand.ProviderID == provider.StubID && attempted > 1
		return res.Value.Content, types.ProviderSelection{LLM: cand.ProviderID, Model: cand.ModelID}, degraded, nil
	}

	// Unreachable while the stub is in the candidate list; kept for
	// defense against an empty decision.
	return "", types.ProviderSelection{}, false, pkgerrors.NewInternal("no provider available")
}

// StreamOutcome carries everything the SSE handler needs after the
// provider stream is open.
type StreamOutcome struct {
	Chunks     <-chan provider.Chunk
	ProviderID string
	ModelID    string
	Sources    []types.Source
	Warnings   []string
	Degraded   bool
}

// OpenStream runs retrieval and routing, then opens a streaming
// completion with the same failover walk as Search.
func (p *Pipeline) OpenStream(ctx context.Context, rawQuery string, req types.QueryRequest) (*StreamOutcome, error) {
	traceID := observability.TraceIDFromContext(ctx)

	clean, sources, orch, _, err := p.retrieval(ctx, rawQuery, traceID)
	if err != nil {
		return nil, err
	}

	dec := p.router.Route(ctx, router.Input{
		QueryText:             clean,
		RequiredContextTokens: router.EstimateContextTokens(clean, len(sources)),
	})

	prompt := buildPrompt(clean, sources)
	attempted := 0
	for _, cand := range dec.Candidates {
		adapter, ok := p.registry.Get(cand.ProviderID)
		if !ok {
			continue
		}
		if cand.ProviderID != provider.StubID && !p.registry.Allow(cand.ProviderID) {
			continue
		}
		attempted++

		ch, err := adapter.CompleteStream(ctx, provider.Request{
			Model:       cand.ModelID,
			System:      synthesisSystemPrompt,
			Prompt:      prompt,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})
		if err != nil {
			p.registry.RecordResult(cand.ProviderID, false, 0)
			p.logger.WithTraceID(ctx).Warn("stream open failed",
				"provider", cand.ProviderID,
				"error", err.Error(),
			)
			continue
		}

		return &StreamOutcome{
			Chunks:     ch,
			ProviderID: cand.ProviderID,
			ModelID:    cand.ModelID,
			Sources:    sources,
			Warnings:   orch.Warnings,
			Degraded:   cand.ProviderID == provider.StubID && attempted > 1,
		}, nil
	}
	return nil, pkgerrors.NewInternal("no provider available")
}

const synthesisSystemPrompt = `Answer the question using only the numbered sources below. Cite sources inline as [n]. If the sources do not cover the question, say so briefly.`

func buildPrompt(query string, sources []types.Source) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nSources:\n")
	if len(sources) == 0 {
		b.WriteString("(none retrieved)\n")
	}
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s", i+1, s.Title)
		if s.URL != "" {
			fmt.Fprintf(&b, " (%s)", s.URL)
		}
		b.WriteString("\n")
		if s.Snippet != "" {
			fmt.Fprintf(&b, "    %s\n", s.Snippet)
		}
	}
	return b.String()
}

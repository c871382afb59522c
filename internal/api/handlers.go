package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relago-ai/relago/internal/guided"
	"github.com/relago-ai/relago/internal/lane"
	"github.com/relago-ai/relago/internal/metrics"
	"github.com/relago-ai/relago/internal/observability"
	"github.com/relago-ai/relago/internal/provider"
	"github.com/relago-ai/relago/internal/resilience"
	"github.com/relago-ai/relago/internal/streaming"
	pkgerrors "github.com/relago-ai/relago/pkg/errors"
	"github.com/relago-ai/relago/pkg/types"
)

// Server holds the handler dependencies and builds the route table.
type Server struct {
	pipeline  *Pipeline
	guided    *guided.Engine
	warmup    *lane.Warmup
	registry  *provider.Registry
	streamCfg streaming.Config
	breakers  *resilience.Manager
	logger    *observability.Logger
}

// NewServer wires the handlers.
func NewServer(pipeline *Pipeline, g *guided.Engine, warmup *lane.Warmup, registry *provider.Registry, streamCfg streaming.Config, breakers *resilience.Manager, logger *observability.Logger) *Server {
	return &Server{
		pipeline:  pipeline,
		guided:    g,
		warmup:    warmup,
		registry:  registry,
		streamCfg: streamCfg,
		breakers:  breakers,
		logger:    logger,
	}
}

// Routes returns the route table. Middleware is layered on top by the
// caller.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("GET /stream/search", s.handleStreamSearch)
	mux.HandleFunc("POST /guided-prompt/refine", s.handleRefine)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/providers", s.handleHealthProviders)
	mux.HandleFunc("GET /health/circuits", s.handleHealthCircuits)
	mux.HandleFunc("POST /warmup", s.handleWarmup)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req types.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, pkgerrors.NewValidation("invalid JSON body"))
		return
	}
	if req.GuidedPromptMode != "" && !req.GuidedPromptMode.Valid() {
		writeError(w, r, pkgerrors.NewValidation("unrecognized guided_prompt_mode"))
		return
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		writeError(w, r, pkgerrors.NewValidation("temperature must be within 0..2"))
		return
	}

	resp, err := s.pipeline.Search(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreamSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, r, pkgerrors.NewValidation("query parameter is required"))
		return
	}

	ctx := r.Context()
	traceID := observability.TraceIDFromContext(ctx)

	session, err := streaming.NewSession(w, s.streamCfg, traceID, s.logger)
	if err != nil {
		writeError(w, r, pkgerrors.NewInternal(err.Error()))
		return
	}

	// Retrieval and the provider stream open can block for seconds;
	// Await keeps heartbeats flowing and the duration cap enforced
	// while they run.
	var outcome *StreamOutcome
	err = session.Await(ctx, func(ctx context.Context) error {
		var openErr error
		outcome, openErr = s.pipeline.OpenStream(ctx, query, types.QueryRequest{TraceID: traceID})
		return openErr
	})
	if err != nil {
		_ = session.Fail(err)
		return
	}

	src := streaming.NewProviderChunkSource(outcome.Chunks)
	_ = session.Pump(ctx, src, func() error {
		return session.Complete(len(outcome.Sources), src.Usage(), outcome.ProviderID, outcome.ModelID)
	})
}

type refineRequest struct {
	Query   string              `json:"query"`
	Context types.RefineContext `json:"context"`
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, pkgerrors.NewValidation("invalid JSON body"))
		return
	}
	if req.Query == "" {
		writeError(w, r, pkgerrors.NewValidation("query is required"))
		return
	}

	result := s.guided.Refine(r.Context(), guided.Input{
		Query:   req.Query,
		Mode:    types.GuidedPromptOn,
		Context: req.Context,
		TraceID: observability.TraceIDFromContext(r.Context()),
	})
	writeJSON(w, http.StatusOK, result)
}

type healthResponse struct {
	Status  string `json:"status"`
	UptimeS int64  `json:"uptime_s"`
	Warmup  bool   `json:"warmup"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.warmup.IsReady()
	status := "ok"
	if !ready || !s.providersUsable() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  status,
		UptimeS: int64(metrics.Uptime().Seconds()),
		Warmup:  ready,
	})
}

// providersUsable reports whether at least one available non-stub
// provider has a non-open circuit. Stub-only deployments count as
// usable; the stub cannot fail.
func (s *Server) providersUsable() bool {
	real := 0
	for _, desc := range s.registry.ListAvailable() {
		if desc.Tier == types.TierStub {
			continue
		}
		real++
		if s.registry.CircuitState(desc.ID) != resilience.StateOpen {
			return true
		}
	}
	return real == 0
}

func (s *Server) handleHealthProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.HealthAll())
}

// handleHealthCircuits reports every breaker the manager tracks,
// providers and lanes alike.
func (s *Server) handleHealthCircuits(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		writeJSON(w, http.StatusOK, map[string]resilience.CircuitSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.breakers.Snapshots())
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	// Detached from the request: warmup must survive the trigger call.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Minute)
	defer cancel()
	report := s.warmup.Run(ctx)
	writeJSON(w, http.StatusOK, report)
}

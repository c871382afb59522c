package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/relago-ai/relago/internal/config"
	"github.com/relago-ai/relago/internal/guided"
	"github.com/relago-ai/relago/internal/lane"
	"github.com/relago-ai/relago/internal/observability"
	"github.com/relago-ai/relago/internal/provider"
	"github.com/relago-ai/relago/internal/resilience"
	"github.com/relago-ai/relago/internal/router"
	"github.com/relago-ai/relago/internal/streaming"
	pkgerrors "github.com/relago-ai/relago/pkg/errors"
	"github.com/relago-ai/relago/pkg/types"
)

type catalogSource struct{ cat *types.Catalog }

func (c *catalogSource) Get() *types.Catalog { return c.cat }

func testCatalog(withOllama bool) *types.Catalog {
	cat := &types.Catalog{
		Providers: []types.ProviderDescriptor{
			{ID: provider.StubID, Tier: types.TierStub, Priority: 99},
		},
		Models: []types.ModelDescriptor{
			{ModelID: "stub-echo", ProviderID: provider.StubID, SpeedScore: 1.0, ContextWindow: 1000000,
				Capabilities: []string{"fast_cheap"}},
		},
	}
	if withOllama {
		cat.Providers = append(cat.Providers,
			types.ProviderDescriptor{ID: "ollama_local", Tier: types.TierFreeLocal, CostMultiplier: 0, Priority: 1})
		cat.Models = append(cat.Models,
			types.ModelDescriptor{ModelID: "test-llm", ProviderID: "ollama_local", Quality: 0.7,
				SpeedScore: 0.8, ContextWindow: 32768, Capabilities: []string{"fast_cheap", "quality"}})
	}
	return cat
}

// newTestHandler wires the full stack with an in-memory vector lane and
// the stub provider, plus one real adapter when an LLM endpoint is
// given.
func newTestHandler(t *testing.T, llmBaseURL string) http.Handler {
	return newTestHandlerWithWeb(t, llmBaseURL, "")
}

// newTestHandlerWithWeb additionally wires a web lane against the given
// search endpoint.
func newTestHandlerWithWeb(t *testing.T, llmBaseURL, webBaseURL string) http.Handler {
	t.Helper()

	cfg := &config.Config{
		Retrieval: config.RetrievalConfig{
			EnableWeb:     true,
			EnableVector:  true,
			EnableKG:      true,
			WebTimeout:    900 * time.Millisecond,
			VectorTimeout: 500 * time.Millisecond,
			KGTimeout:     500 * time.Millisecond,
			TotalTimeout:  2 * time.Second,
			TopK:          5,
			TopKFinal:     10,
		},
		Providers: config.ProviderCredentials{
			LLMTimeout:    2 * time.Second,
			OllamaBaseURL: llmBaseURL,
		},
		Guided: config.GuidedConfig{
			Budget:          500 * time.Millisecond,
			MaxOutputTokens: 300,
			DailyBudgetUSD:  1.0,
		},
	}

	redactor := observability.NewRedactor()
	logger := observability.NewLogger(observability.LoggerConfig{Output: io.Discard, JSONFormat: true}, redactor)

	mgr := resilience.NewManager(resilience.ManagerConfig{})
	registry := provider.NewRegistry(cfg.Providers, &catalogSource{cat: testCatalog(llmBaseURL != "")}, mgr)
	rt := router.New(registry, router.DefaultWeights(), logger)

	embedder := lane.NewHashEmbedder(32)
	store := lane.NewMemoryVectorStore()
	for _, doc := range []struct{ id, title, text string }{
		{"d1", "Photosynthesis overview", "Plants convert light into chemical energy."},
		{"d2", "Chlorophyll", "The green pigment that absorbs light for photosynthesis."},
	} {
		vec, err := embedder.Embed(context.Background(), doc.text)
		if err != nil {
			t.Fatal(err)
		}
		store.Add(lane.Document{ID: doc.id, Title: doc.title, URL: "https://kb.example/" + doc.id, Snippet: doc.text, Embedding: vec})
	}

	runner := lane.NewRunner(resilience.NewSemaphore(4), mgr)
	lanes := map[types.LaneName]lane.Lane{
		types.LaneVector: lane.NewVectorLane(embedder, store),
	}
	if webBaseURL != "" {
		lanes[types.LaneWeb] = lane.NewWebLane(webBaseURL, cfg.Retrieval.WebTimeout)
	}
	warmup := lane.NewWarmup(embedder, runner, lanes, logger)
	orch := lane.NewOrchestrator(cfg.Retrieval, runner, lanes, warmup, logger)

	engine := guided.NewEngine(cfg.Guided, registry, redactor, logger)
	pipeline := NewPipeline(cfg, engine, orch, rt, registry, logger)
	srv := NewServer(pipeline, engine, warmup, registry,
		streaming.Config{MaxDuration: 10 * time.Second, HeartbeatInterval: 200 * time.Millisecond}, mgr, logger)

	return observability.TraceIDMiddleware(srv.Routes())
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSearchStubFallback(t *testing.T) {
	h := newTestHandler(t, "")

	rec := doJSON(t, h, http.MethodPost, "/search", `{"query": "what is photosynthesis"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp types.SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if resp.Answer == "" {
		t.Fatal("answer is empty")
	}
	if resp.Providers.LLM != provider.StubID {
		t.Fatalf("providers.llm = %q", resp.Providers.LLM)
	}
	if resp.Degraded {
		t.Fatal("stub-only setup must not be marked degraded")
	}
	if resp.TraceID == "" {
		t.Fatal("trace_id missing from body")
	}
	if len(resp.Sources) == 0 {
		t.Fatal("vector lane returned no sources")
	}

	warnings := strings.Join(resp.Warnings, ",")
	for _, w := range []string{"lane_disabled:web", "lane_disabled:kg"} {
		if !strings.Contains(warnings, w) {
			t.Fatalf("warnings = %v, missing %s", resp.Warnings, w)
		}
	}
	for _, k := range []string{"web", "vector", "kg", "fusion", "synthesis", "total"} {
		if _, ok := resp.TimingsMS[k]; !ok {
			t.Fatalf("timings_ms missing %q: %v", k, resp.TimingsMS)
		}
	}
}

func TestSearchTraceIDPropagation(t *testing.T) {
	h := newTestHandler(t, "")

	rec := doJSON(t, h, http.MethodPost, "/search", `{"query": "hello world"}`)
	headerID := rec.Header().Get(observability.TraceIDHeader)
	if headerID == "" {
		t.Fatal("response missing trace id header")
	}
	var resp types.SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TraceID != headerID {
		t.Fatalf("body trace_id %q != header %q", resp.TraceID, headerID)
	}

	// A well-formed inbound id is kept.
	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query": "hello"}`))
	req.Header.Set(observability.TraceIDHeader, "client-supplied-id-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(observability.TraceIDHeader); got != "client-supplied-id-42" {
		t.Fatalf("echoed trace id = %q", got)
	}

	// A malformed one is replaced.
	req = httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query": "hello"}`))
	req.Header.Set(observability.TraceIDHeader, "bad id with spaces\n")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(observability.TraceIDHeader); got == "" || strings.Contains(got, " ") {
		t.Fatalf("replacement trace id = %q", got)
	}
}

func TestSearchValidation(t *testing.T) {
	h := newTestHandler(t, "")

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"bad mode", `{"query": "q", "guided_prompt_mode": "sometimes"}`},
		{"temperature too high", `{"query": "q", "temperature": 3.5}`},
		{"temperature negative", `{"query": "q", "temperature": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/search", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			var er ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
				t.Fatal(err)
			}
			if er.ErrorKind != pkgerrors.KindValidation {
				t.Fatalf("error_kind = %q", er.ErrorKind)
			}
			if er.TraceID == "" {
				t.Fatal("error envelope missing trace_id")
			}
		})
	}
}

const suggestionsJSON = `[
  {"title": "Clarify scope", "description": "Narrow the subject", "refined_query": "apple fruit nutrition facts and health benefits", "type": "disambiguate", "confidence": 0.7},
  {"title": "Company angle", "description": "Business focus", "refined_query": "Apple Inc quarterly earnings and product lineup", "type": "disambiguate", "confidence": 0.6}
]`

func fakeLLMServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
		}
		json.NewEncoder(w).Encode(body)
	}))
}

func TestSearchRefinementPending(t *testing.T) {
	ts := fakeLLMServer(t, suggestionsJSON)
	defer ts.Close()
	h := newTestHandler(t, ts.URL)

	rec := doJSON(t, h, http.MethodPost, "/search", `{"query": "show me apple", "guided_prompt_mode": "on"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp types.SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if len(resp.RefinementPending) != 2 {
		t.Fatalf("refinement_pending = %+v", resp.RefinementPending)
	}
	if resp.Providers.LLM != "ollama_local" {
		t.Fatalf("providers.llm = %q", resp.Providers.LLM)
	}
	if resp.Answer == "" {
		t.Fatal("answer is empty")
	}

	rec = doJSON(t, h, http.MethodPost, "/search", `{"query": "show me apple", "guided_prompt_mode": "always_bypass"}`)
	resp = types.SearchResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.RefinementPending) != 0 {
		t.Fatalf("bypassed request still carries suggestions: %+v", resp.RefinementPending)
	}
}

func TestSearchRefinementOverlapsRetrieval(t *testing.T) {
	// The refinement call and the web lane each take 400 ms. Run side
	// by side the request stays well under their 800 ms sum.
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		content := "Apples are fruit [1]."
		if strings.Contains(string(body), "rewrite vague") {
			time.Sleep(400 * time.Millisecond)
			content = suggestionsJSON
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
		})
	}))
	defer llm.Close()

	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
		w.Write([]byte(`{"results":[{"title":"Apple","url":"https://a.example/apple","content":"About apples","score":0.9}]}`))
	}))
	defer web.Close()

	h := newTestHandlerWithWeb(t, llm.URL, web.URL)

	start := time.Now()
	rec := doJSON(t, h, http.MethodPost, "/search", `{"query": "show me apple", "guided_prompt_mode": "on"}`)
	elapsed := time.Since(start)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp types.SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.RefinementPending) != 2 {
		t.Fatalf("refinement_pending = %+v", resp.RefinementPending)
	}
	if elapsed > 700*time.Millisecond {
		t.Fatalf("search took %v, refinement did not overlap retrieval", elapsed)
	}
}

func TestRefineEndpoint(t *testing.T) {
	ts := fakeLLMServer(t, suggestionsJSON)
	defer ts.Close()
	h := newTestHandler(t, ts.URL)

	rec := doJSON(t, h, http.MethodPost, "/guided-prompt/refine", `{"query": "show me apple"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result types.RefinementResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.ShouldTrigger || len(result.Suggestions) != 2 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Constraints) == 0 {
		t.Fatal("constraint chips missing")
	}

	rec = doJSON(t, h, http.MethodPost, "/guided-prompt/refine", `{"query": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty query status = %d", rec.Code)
	}
}

func TestHealthReflectsWarmup(t *testing.T) {
	h := newTestHandler(t, "")

	rec := doJSON(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var hr healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &hr); err != nil {
		t.Fatal(err)
	}
	if hr.Status != "degraded" || hr.Warmup {
		t.Fatalf("pre-warmup health = %+v", hr)
	}

	rec = doJSON(t, h, http.MethodPost, "/warmup", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("warmup status = %d body = %s", rec.Code, rec.Body.String())
	}
	var report lane.WarmupReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if !report.Ready {
		t.Fatalf("warmup report = %+v", report)
	}

	rec = doJSON(t, h, http.MethodGet, "/health", "")
	hr = healthResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &hr); err != nil {
		t.Fatal(err)
	}
	if hr.Status != "ok" || !hr.Warmup {
		t.Fatalf("post-warmup health = %+v", hr)
	}
}

func TestHealthDegradedWhenAllRealCircuitsOpen(t *testing.T) {
	mgr := resilience.NewManager(resilience.ManagerConfig{})
	registry := provider.NewRegistry(config.ProviderCredentials{LLMTimeout: time.Second},
		&catalogSource{cat: testCatalog(true)}, mgr)

	// No lanes and no embedder: warmup trivially succeeds, isolating
	// the provider-circuit condition.
	warmup := lane.NewWarmup(nil, lane.NewRunner(resilience.NewSemaphore(1), mgr), nil, nil)
	warmup.Run(context.Background())

	srv := NewServer(nil, nil, warmup, registry, streaming.Config{}, mgr, nil)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodGet, "/health", "")
	var hr healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &hr); err != nil {
		t.Fatal(err)
	}
	if hr.Status != "ok" {
		t.Fatalf("healthy status = %q", hr.Status)
	}

	for i := 0; i < 3; i++ {
		registry.RecordResult("ollama_local", false, time.Millisecond)
	}

	rec = doJSON(t, h, http.MethodGet, "/health", "")
	hr = healthResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &hr); err != nil {
		t.Fatal(err)
	}
	if hr.Status != "degraded" || !hr.Warmup {
		t.Fatalf("open-circuit health = %+v", hr)
	}
}

func TestHealthCircuits(t *testing.T) {
	h := newTestHandler(t, "")

	// A search touches the vector lane breaker, so the snapshot map is
	// populated afterwards.
	doJSON(t, h, http.MethodPost, "/search", `{"query": "what is photosynthesis"}`)

	rec := doJSON(t, h, http.MethodGet, "/health/circuits", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snaps map[string]resilience.CircuitSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
		t.Fatal(err)
	}
	snap, ok := snaps["lane:vector"]
	if !ok {
		t.Fatalf("snapshot map = %v", snaps)
	}
	if snap.State != "closed" {
		t.Fatalf("vector lane breaker state = %q", snap.State)
	}
}

func TestHealthProviders(t *testing.T) {
	h := newTestHandler(t, "")

	rec := doJSON(t, h, http.MethodGet, "/health/providers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var all map[string]provider.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if _, ok := all[provider.StubID]; !ok {
		t.Fatalf("health map = %v", all)
	}
}

func TestStreamSearch(t *testing.T) {
	h := newTestHandler(t, "")

	req := httptest.NewRequest(http.MethodGet, "/stream/search?query=what+is+photosynthesis", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "event: content_chunk") {
		t.Fatalf("no content chunks in stream:\n%s", body)
	}
	if !strings.Contains(body, "event: complete") {
		t.Fatalf("no complete event in stream:\n%s", body)
	}

	var content strings.Builder
	var completeSeen bool
	for _, frame := range strings.Split(body, "\n\n") {
		var data string
		for _, line := range strings.Split(strings.TrimSpace(frame), "\n") {
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		if data == "" {
			continue
		}
		var ev types.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("bad event %q: %v", data, err)
		}
		if ev.TraceID == "" {
			t.Fatalf("event missing trace id: %+v", ev)
		}
		switch ev.Type {
		case types.EventContentChunk:
			content.WriteString(ev.Content)
		case types.EventComplete:
			completeSeen = true
			if ev.ProviderID != provider.StubID {
				t.Fatalf("complete provider = %q", ev.ProviderID)
			}
			if ev.CitationsCount == nil || *ev.CitationsCount == 0 {
				t.Fatalf("citations = %v", ev.CitationsCount)
			}
		}
	}
	if !completeSeen {
		t.Fatal("stream did not complete")
	}
	if content.String() != provider.StubAnswer {
		t.Fatalf("reassembled = %q", content.String())
	}
}

func TestStreamSearchHeartbeatsDuringSlowProviderOpen(t *testing.T) {
	// The provider takes 700 ms to answer the stream open and then
	// rejects it, pushing the walk to the stub. Heartbeats must cover
	// that silence.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(700 * time.Millisecond)
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	h := newTestHandler(t, ts.URL)

	req := httptest.NewRequest(http.MethodGet, "/stream/search?query=what+is+photosynthesis", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	heartbeatsBeforeContent := 0
	var contentSeen, completeSeen bool
	for _, frame := range strings.Split(rec.Body.String(), "\n\n") {
		var data string
		for _, line := range strings.Split(strings.TrimSpace(frame), "\n") {
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		if data == "" {
			continue
		}
		var ev types.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("bad event %q: %v", data, err)
		}
		switch ev.Type {
		case types.EventHeartbeat:
			if !contentSeen {
				heartbeatsBeforeContent++
			}
		case types.EventContentChunk:
			contentSeen = true
		case types.EventComplete:
			completeSeen = true
			if ev.ProviderID != provider.StubID {
				t.Fatalf("complete provider = %q", ev.ProviderID)
			}
		}
	}
	if !contentSeen || !completeSeen {
		t.Fatalf("stream incomplete: content=%v complete=%v", contentSeen, completeSeen)
	}
	// 700 ms of open-phase silence at a 200 ms interval admits at
	// least 2.
	if heartbeatsBeforeContent < 2 {
		t.Fatalf("heartbeats before first chunk = %d, want >= 2", heartbeatsBeforeContent)
	}
}

func TestStreamSearchRequiresQuery(t *testing.T) {
	h := newTestHandler(t, "")

	req := httptest.NewRequest(http.MethodGet, "/stream/search", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBuildPrompt(t *testing.T) {
	out := buildPrompt("why is the sky blue", []types.Source{
		{Title: "Rayleigh scattering", URL: "https://phys.example/rayleigh", Snippet: "Shorter wavelengths scatter more."},
		{Title: "Atmospheric optics"},
	})
	for _, want := range []string{
		"Question: why is the sky blue",
		"[1] Rayleigh scattering (https://phys.example/rayleigh)",
		"Shorter wavelengths scatter more.",
		"[2] Atmospheric optics",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("prompt missing %q:\n%s", want, out)
		}
	}

	empty := buildPrompt("q", nil)
	if !strings.Contains(empty, "(none retrieved)") {
		t.Fatalf("empty-source prompt = %q", empty)
	}
}

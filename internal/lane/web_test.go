package lane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relago-ai/relago/pkg/types"
)

const searxFixture = `{
  "results": [
    {"title": "Photosynthesis - Encyclopedia", "url": "https://enc.example/photosynthesis", "content": "Process used by plants", "score": 0.95},
    {"title": "Photosynthesis explained", "url": "https://bio.example/photo", "content": "Light to chemical energy", "score": 0.80},
    {"title": "No URL entry", "url": "", "content": "skipped", "score": 0.70},
    {"title": "Third", "url": "https://c.example/3", "content": "c", "score": 0.60},
    {"title": "Fourth", "url": "https://d.example/4", "content": "d", "score": 0.50},
    {"title": "Fifth", "url": "https://e.example/5", "content": "e", "score": 0.40},
    {"title": "Sixth", "url": "https://f.example/6", "content": "f", "score": 0.30}
  ]
}`

func TestWebLaneFetch(t *testing.T) {
	var gotQuery, gotFormat string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query().Get("q")
		gotFormat = r.URL.Query().Get("format")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searxFixture))
	}))
	defer ts.Close()

	l := NewWebLane(ts.URL, 2*time.Second)
	items, err := l.fetch(context.Background(), types.LaneRequest{QueryText: "photosynthesis", TopK: 5})
	if err != nil {
		t.Fatal(err)
	}

	if gotQuery != "photosynthesis" || gotFormat != "json" {
		t.Fatalf("request params q=%q format=%q", gotQuery, gotFormat)
	}
	if len(items) != 5 {
		t.Fatalf("len = %d, want 5 (top_k cap, url-less hit skipped)", len(items))
	}
	if items[0].URL != "https://enc.example/photosynthesis" {
		t.Fatalf("first url = %q", items[0].URL)
	}
	for _, s := range items {
		if s.OriginLane != types.LaneWeb {
			t.Fatalf("origin lane = %s", s.OriginLane)
		}
		if s.URL == "" {
			t.Fatal("url-less hit survived")
		}
	}
}

func TestWebLaneUnconfigured(t *testing.T) {
	l := NewWebLane("", time.Second)
	if _, err := l.fetch(context.Background(), types.LaneRequest{QueryText: "q", TopK: 5}); err == nil {
		t.Fatal("unconfigured web lane did not error")
	}
}

func TestWebLaneUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer ts.Close()

	l := NewWebLane(ts.URL, time.Second)
	if _, err := l.fetch(context.Background(), types.LaneRequest{QueryText: "q", TopK: 5}); err == nil {
		t.Fatal("5xx from search provider not surfaced")
	}
}

func TestWebLaneSnippetExtractsReadableText(t *testing.T) {
	const page = `<!DOCTYPE html>
<html>
<head>
  <title>Photosynthesis</title>
  <meta name="viewport" content="width=device-width">
  <style>body { margin: 0; }</style>
  <script>console.log("tracking");</script>
</head>
<body>
  <nav><a href="/">Home</a></nav>
  <article>
    <h1>Photosynthesis</h1>
    <p>Plants convert light into chemical energy using chlorophyll.</p>
  </article>
  <noscript>Enable JavaScript.</noscript>
</body>
</html>`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search" {
			w.Write([]byte(`{"results":[{"title":"T","url":"` + "http://" + r.Host + `/page","content":"","score":0.5}]}`))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}))
	defer ts.Close()

	l := NewWebLane(ts.URL, 2*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	items, err := l.fetch(ctx, types.LaneRequest{QueryText: "q", TopK: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("len = %d", len(items))
	}

	snippet := items[0].Snippet
	if !strings.Contains(snippet, "Plants convert light into chemical energy") {
		t.Fatalf("snippet lost the article text: %q", snippet)
	}
	for _, banned := range []string{"<", "console.log", "margin: 0", "Enable JavaScript"} {
		if strings.Contains(snippet, banned) {
			t.Fatalf("snippet carries markup %q: %q", banned, snippet)
		}
	}
}

func TestWebLaneSkipsSnippetFetchUnderTightBudget(t *testing.T) {
	pageFetches := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search" {
			w.Write([]byte(`{"results":[{"title":"T","url":"` + "http://" + r.Host + `/page","content":"","score":0.5}]}`))
			return
		}
		pageFetches++
		w.Write([]byte("page body"))
	}))
	defer ts.Close()

	l := NewWebLane(ts.URL, time.Second)

	// Remaining budget below the floor: provider snippet kept as-is.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	items, err := l.fetch(ctx, types.LaneRequest{QueryText: "q", TopK: 5})
	if err != nil {
		t.Fatal(err)
	}
	if pageFetches != 0 {
		t.Fatalf("snippet fetched %d times under tight budget", pageFetches)
	}
	if len(items) != 1 {
		t.Fatalf("len = %d", len(items))
	}
}

package lane

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/goccy/go-json"

	"github.com/relago-ai/relago/pkg/types"
)

// snippetFetchFloor is the minimum remaining budget before the web
// lane enriches hits with fetched snippets; below it the provider
// snippet is returned as-is.
const snippetFetchFloor = 300 * time.Millisecond

// maxExcerptReadBytes bounds how much of a page is read for text
// extraction. Markup overhead means the snippet cap alone would often
// stop before any body text.
const maxExcerptReadBytes = 64 * 1024

// WebLane queries a SearxNG-compatible metasearch endpoint.
type WebLane struct {
	client  *http.Client
	baseURL string
}

// NewWebLane creates the web lane. An empty baseURL is allowed; fetch
// reports it as a lane error so the orchestrator degrades instead of
// failing the request.
func NewWebLane(baseURL string, timeout time.Duration) *WebLane {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebLane{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name returns the lane identifier.
func (l *WebLane) Name() types.LaneName { return types.LaneWeb }

type webSearchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (l *WebLane) fetch(ctx context.Context, req types.LaneRequest) ([]types.Source, error) {
	if l.baseURL == "" {
		return nil, fmt.Errorf("web search url not configured")
	}

	q := url.Values{}
	q.Set("q", req.QueryText)
	q.Set("format", "json")

	endpoint := fmt.Sprintf("%s/search?%s", l.baseURL, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("web search failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var searchResp webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}

	out := make([]types.Source, 0, topK)
	for i, r := range searchResp.Results {
		if len(out) >= topK {
			break
		}
		if r.URL == "" {
			continue
		}
		out = append(out, types.Source{
			ID:         fmt.Sprintf("web-%d", i),
			Title:      r.Title,
			URL:        r.URL,
			Snippet:    truncateSnippet(r.Content),
			Score:      clampScore(r.Score),
			OriginLane: types.LaneWeb,
		})
	}

	l.enrichSnippets(ctx, out)
	return out, nil
}

// enrichSnippets fetches page excerpts for hits whose provider snippet
// is empty. Skipped entirely when the remaining budget is too small to
// make the round trips worthwhile.
func (l *WebLane) enrichSnippets(ctx context.Context, items []types.Source) {
	dl, ok := ctx.Deadline()
	if !ok || time.Until(dl) < snippetFetchFloor {
		return
	}

	for i := range items {
		if items[i].Snippet != "" {
			continue
		}
		if time.Until(dl) < snippetFetchFloor {
			return
		}
		snippet, err := l.fetchExcerpt(ctx, items[i].URL)
		if err != nil {
			continue // hit stays usable without a snippet
		}
		items[i].Snippet = snippet
	}
}

func (l *WebLane) fetchExcerpt(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("excerpt fetch failed: status=%d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxExcerptReadBytes))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", fmt.Errorf("no readable text")
	}
	return truncateSnippet(text), nil
}

package lane

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/goccy/go-json"

	"github.com/relago-ai/relago/pkg/types"
)

const (
	maxKGEntities      = 4
	maxKGRelationships = 2
)

// GraphStore answers entity and relationship lookups for the KG lane.
type GraphStore interface {
	EntityFacts(ctx context.Context, entity string) ([]types.Source, error)
	Relationships(ctx context.Context, entity string, limit int) ([]types.Source, error)
}

// KGLane extracts candidate entities from the query, then pulls their
// facts and direct relationships from the graph store.
type KGLane struct {
	store GraphStore
}

// NewKGLane creates the knowledge-graph lane.
func NewKGLane(store GraphStore) *KGLane {
	return &KGLane{store: store}
}

// Name returns the lane identifier.
func (l *KGLane) Name() types.LaneName { return types.LaneKG }

func (l *KGLane) fetch(ctx context.Context, req types.LaneRequest) ([]types.Source, error) {
	if l.store == nil {
		return nil, fmt.Errorf("graph store not configured")
	}

	entities := ExtractEntities(req.QueryText, maxKGEntities)
	if len(entities) == 0 {
		return []types.Source{}, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = 6
	}

	var (
		out      []types.Source
		lastErr  error
		relsLeft = maxKGRelationships
	)
	for _, entity := range entities {
		if len(out) >= topK {
			break
		}
		facts, err := l.store.EntityFacts(ctx, entity)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, facts...)

		if relsLeft > 0 {
			rels, err := l.store.Relationships(ctx, entity, relsLeft)
			if err != nil {
				lastErr = err
				continue
			}
			relsLeft -= len(rels)
			out = append(out, rels...)
		}
	}

	if len(out) == 0 && lastErr != nil {
		return nil, fmt.Errorf("kg lookup: %w", lastErr)
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// ExtractEntities pulls candidate entity names from the query text. It
// favors capitalized tokens and runs of them, falling back to the
// longest non-stopword tokens so lowercase queries still resolve.
func ExtractEntities(query string, limit int) []string {
	if limit <= 0 {
		limit = maxKGEntities
	}
	tokens := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool)
	var entities []string
	add := func(e string) {
		key := strings.ToLower(e)
		if len(entities) < limit && !seen[key] {
			seen[key] = true
			entities = append(entities, e)
		}
	}

	// Merge adjacent capitalized tokens into a single entity name.
	var run []string
	flush := func() {
		if len(run) > 0 {
			add(strings.Join(run, " "))
			run = nil
		}
	}
	for _, tok := range tokens {
		if isCapitalized(tok) && !isStopword(tok) {
			run = append(run, tok)
			continue
		}
		flush()
	}
	flush()

	if len(entities) < limit {
		for _, tok := range tokens {
			if len(tok) >= 4 && !isStopword(tok) {
				add(tok)
			}
		}
	}
	return entities
}

func isCapitalized(tok string) bool {
	r := []rune(tok)
	return len(r) > 0 && unicode.IsUpper(r[0])
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "what": true, "when": true,
	"where": true, "which": true, "how": true, "why": true, "who": true,
	"does": true, "with": true, "from": true, "that": true, "this": true,
	"are": true, "was": true, "were": true, "have": true, "has": true,
	"about": true, "between": true, "into": true,
}

func isStopword(tok string) bool {
	return stopwords[strings.ToLower(tok)]
}

// ArangoStore implements GraphStore against ArangoDB's cursor API.
type ArangoStore struct {
	client   *http.Client
	baseURL  string
	database string
	username string
	password string
}

// ArangoConfig holds configuration for the ArangoDB store.
type ArangoConfig struct {
	URL      string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// NewArangoStore creates an ArangoDB-backed graph store.
func NewArangoStore(cfg ArangoConfig) (*ArangoStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("arangodb url is required")
	}
	if cfg.Database == "" {
		cfg.Database = "_system"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &ArangoStore{
		client:   &http.Client{Timeout: cfg.Timeout},
		baseURL:  cfg.URL,
		database: cfg.Database,
		username: cfg.Username,
		password: cfg.Password,
	}, nil
}

type arangoFact struct {
	Key       string  `json:"_key"`
	Name      string  `json:"name"`
	Summary   string  `json:"summary"`
	Relation  string  `json:"relation"`
	Target    string  `json:"target"`
	Relevance float64 `json:"relevance"`
}

type arangoCursorResponse struct {
	Error        bool         `json:"error"`
	Code         int          `json:"code"`
	ErrorMessage string       `json:"errorMessage"`
	Result       []arangoFact `json:"result"`
}

// EntityFacts returns stored facts about one entity.
func (a *ArangoStore) EntityFacts(ctx context.Context, entity string) ([]types.Source, error) {
	const query = `
FOR e IN entities
  FILTER LOWER(e.name) == LOWER(@name)
  LIMIT 3
  RETURN {_key: e._key, name: e.name, summary: e.summary, relevance: e.relevance}`

	facts, err := a.runQuery(ctx, query, map[string]any{"name": entity})
	if err != nil {
		return nil, err
	}

	out := make([]types.Source, 0, len(facts))
	for _, f := range facts {
		out = append(out, types.Source{
			ID:         "kg-" + f.Key,
			Title:      f.Name,
			Snippet:    truncateSnippet(f.Summary),
			Score:      factScore(f.Relevance),
			OriginLane: types.LaneKG,
			EntityRef:  f.Key,
		})
	}
	return out, nil
}

// Relationships returns up to limit direct edges from one entity.
func (a *ArangoStore) Relationships(ctx context.Context, entity string, limit int) ([]types.Source, error) {
	if limit <= 0 {
		return []types.Source{}, nil
	}
	const query = `
FOR e IN entities
  FILTER LOWER(e.name) == LOWER(@name)
  LIMIT 1
  FOR v, edge IN 1..1 ANY e relationships
    LIMIT @limit
    RETURN {_key: edge._key, name: e.name, relation: edge.relation, target: v.name, relevance: edge.relevance}`

	facts, err := a.runQuery(ctx, query, map[string]any{"name": entity, "limit": limit})
	if err != nil {
		return nil, err
	}

	out := make([]types.Source, 0, len(facts))
	for _, f := range facts {
		out = append(out, types.Source{
			ID:         "kg-rel-" + f.Key,
			Title:      fmt.Sprintf("%s %s %s", f.Name, f.Relation, f.Target),
			Snippet:    truncateSnippet(fmt.Sprintf("%s %s %s.", f.Name, f.Relation, f.Target)),
			Score:      factScore(f.Relevance),
			OriginLane: types.LaneKG,
			EntityRef:  f.Key,
		})
	}
	return out, nil
}

func (a *ArangoStore) runQuery(ctx context.Context, aql string, bindVars map[string]any) ([]arangoFact, error) {
	body, err := json.Marshal(map[string]any{
		"query":    aql,
		"bindVars": bindVars,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal cursor body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/_db/%s/_api/cursor", a.baseURL, a.database)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cursor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("cursor failed: status=%d, body=%s", resp.StatusCode, string(raw))
	}

	var cursorResp arangoCursorResponse
	if err := json.NewDecoder(resp.Body).Decode(&cursorResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if cursorResp.Error {
		return nil, fmt.Errorf("cursor error: code=%d, %s", cursorResp.Code, cursorResp.ErrorMessage)
	}
	return cursorResp.Result, nil
}

// factScore defaults unset relevance to a mid confidence so graph
// facts still compete in fusion.
func factScore(relevance float64) float64 {
	if relevance <= 0 {
		return 0.5
	}
	return clampScore(relevance)
}

// MemoryGraphStore is an in-memory GraphStore for local development and
// tests.
type MemoryGraphStore struct {
	facts map[string][]types.Source
	rels  map[string][]types.Source
}

// NewMemoryGraphStore creates an empty in-memory graph store.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{
		facts: make(map[string][]types.Source),
		rels:  make(map[string][]types.Source),
	}
}

// AddFact registers a fact source for an entity name.
func (m *MemoryGraphStore) AddFact(entity string, src types.Source) {
	key := strings.ToLower(entity)
	m.facts[key] = append(m.facts[key], src)
}

// AddRelationship registers a relationship source for an entity name.
func (m *MemoryGraphStore) AddRelationship(entity string, src types.Source) {
	key := strings.ToLower(entity)
	m.rels[key] = append(m.rels[key], src)
}

// EntityFacts returns the registered facts for entity.
func (m *MemoryGraphStore) EntityFacts(_ context.Context, entity string) ([]types.Source, error) {
	return m.facts[strings.ToLower(entity)], nil
}

// Relationships returns up to limit registered relationships.
func (m *MemoryGraphStore) Relationships(_ context.Context, entity string, limit int) ([]types.Source, error) {
	rels := m.rels[strings.ToLower(entity)]
	if len(rels) > limit {
		rels = rels[:limit]
	}
	return rels, nil
}

// Package fusion merges lane results into one ranked source set:
// per-lane score normalization, weighted combination, URL and
// title-based deduplication, deterministic ordering.
package fusion

import (
	"net/url"
	"sort"
	"strings"

	"github.com/relago-ai/relago/pkg/types"
)

// LaneWeights are the per-lane fusion weights.
type LaneWeights map[types.LaneName]float64

// DefaultLaneWeights mirror the documented defaults.
func DefaultLaneWeights() LaneWeights {
	return LaneWeights{
		types.LaneWeb:    0.4,
		types.LaneVector: 0.4,
		types.LaneKG:     0.2,
	}
}

// duplicateDiscount is applied to scores folded in from later
// duplicates of an already-kept source.
const duplicateDiscount = 0.5

type fusedEntry struct {
	source    types.Source
	score     float64
	laneIndex int // index into types.LaneOrder of the first occurrence
	ordinal   int // position within that lane, for stable ties
}

// Fuse merges lane results into at most topKFinal sources. The output
// is deterministic under identical inputs: lanes are walked in fixed
// order, ties break by lane order then source id.
func Fuse(results map[types.LaneName]types.LaneResult, weights LaneWeights, topKFinal int) []types.Source {
	if len(weights) == 0 {
		weights = DefaultLaneWeights()
	}
	if topKFinal <= 0 {
		topKFinal = 10
	}

	index := make(map[string]*fusedEntry)
	var order []*fusedEntry

	for laneIdx, lane := range types.LaneOrder {
		res, ok := results[lane]
		if !ok || res.Status != types.LaneOK {
			continue
		}

		normalized := normalizeScores(res.Items)
		w := weights[lane]

		for i, src := range res.Items {
			key := dedupKey(src)
			weighted := w * normalized[i]

			if existing, seen := index[key]; seen {
				// First occurrence wins the slot; later duplicates
				// contribute discounted score only.
				existing.score += weighted * duplicateDiscount
				continue
			}

			entry := &fusedEntry{
				source:    src,
				score:     weighted,
				laneIndex: laneIdx,
				ordinal:   i,
			}
			index[key] = entry
			order = append(order, entry)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		if order[i].laneIndex != order[j].laneIndex {
			return order[i].laneIndex < order[j].laneIndex
		}
		return order[i].source.ID < order[j].source.ID
	})

	if len(order) > topKFinal {
		order = order[:topKFinal]
	}

	out := make([]types.Source, len(order))
	for i, e := range order {
		src := e.source
		src.Score = clamp01(e.score)
		out[i] = src
	}
	return out
}

// dedupKey is the normalized URL when present, else origin lane plus
// normalized title.
func dedupKey(src types.Source) string {
	if src.URL != "" {
		return "url:" + NormalizeURL(src.URL)
	}
	return "title:" + string(src.OriginLane) + ":" + strings.ToLower(strings.TrimSpace(src.Title))
}

// NormalizeURL canonicalizes a URL for deduplication: lowercase scheme
// and host, default ports and fragments dropped, trailing slash
// trimmed.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// normalizeScores maps one lane's scores onto [0,1]. A single-item or
// constant-score lane normalizes to 1.
func normalizeScores(items []types.Source) []float64 {
	out := make([]float64, len(items))
	if len(items) == 0 {
		return out
	}

	minScore, maxScore := items[0].Score, items[0].Score
	for _, s := range items[1:] {
		if s.Score < minScore {
			minScore = s.Score
		}
		if s.Score > maxScore {
			maxScore = s.Score
		}
	}

	spread := maxScore - minScore
	for i, s := range items {
		if spread == 0 {
			out[i] = 1.0
			continue
		}
		out[i] = (s.Score - minScore) / spread
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

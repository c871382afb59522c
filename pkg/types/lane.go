package types

import "time"

// LaneName identifies one of the three retrieval lanes.
type LaneName string

const (
	LaneWeb    LaneName = "web"
	LaneVector LaneName = "vector"
	LaneKG     LaneName = "kg"
)

// LaneOrder is the fixed iteration order used everywhere lane results
// are walked, so that fusion and response assembly are reproducible.
var LaneOrder = []LaneName{LaneWeb, LaneVector, LaneKG}

// LaneStatus is the terminal status of one lane call.
type LaneStatus string

const (
	LaneOK       LaneStatus = "ok"
	LaneTimeout  LaneStatus = "timeout"
	LaneError    LaneStatus = "error"
	LaneDisabled LaneStatus = "disabled"
)

// LaneRequest is created by the orchestrator and handed to exactly one
// lane adapter.
type LaneRequest struct {
	QueryText string
	TopK      int
	Deadline  time.Duration
	TraceID   string
}

// LaneResult is what a lane adapter returns. Adapters never return an
// error past their boundary; faults are folded into Status/ErrorKind.
type LaneResult struct {
	Lane      LaneName   `json:"lane"`
	Status    LaneStatus `json:"status"`
	Items     []Source   `json:"items"`
	LatencyMS int64      `json:"latency_ms"`
	ErrorKind string     `json:"error_kind,omitempty"`
}

// Source is a single retrieved item. URL may be empty for knowledge
// graph facts, in which case EntityRef is set.
type Source struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	URL        string            `json:"url,omitempty"`
	Snippet    string            `json:"snippet"`
	Score      float64           `json:"score"`
	OriginLane LaneName          `json:"origin_lane"`
	EntityRef  string            `json:"entity_ref,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OrchestratorResult aggregates all lane outcomes for one query.
type OrchestratorResult struct {
	LaneResults    map[LaneName]LaneResult
	Warnings       []string
	TotalLatencyMS int64
	WarmupCold     bool
}

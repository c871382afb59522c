package lane

import (
	"context"
	"fmt"
	"time"

	"github.com/relago-ai/relago/internal/config"
	"github.com/relago-ai/relago/internal/observability"
	pkgerrors "github.com/relago-ai/relago/pkg/errors"
	"github.com/relago-ai/relago/pkg/types"
)

// Orchestrator fans a query out to every enabled lane in parallel and
// collects whatever resolved before the total retrieval budget ran
// out. A lane that misses the budget is recorded as a timeout and its
// late result, if any, is discarded.
type Orchestrator struct {
	cfg    config.RetrievalConfig
	runner *Runner
	lanes  map[types.LaneName]Lane
	warmup *Warmup
	logger *observability.Logger
}

// NewOrchestrator wires the orchestrator. Lanes absent from the map
// are treated as disabled regardless of config toggles.
func NewOrchestrator(cfg config.RetrievalConfig, runner *Runner, lanes map[types.LaneName]Lane, warmup *Warmup, logger *observability.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		runner: runner,
		lanes:  lanes,
		warmup: warmup,
		logger: logger,
	}
}

func (o *Orchestrator) enabled(name types.LaneName) bool {
	if _, ok := o.lanes[name]; !ok {
		return false
	}
	switch name {
	case types.LaneWeb:
		return o.cfg.EnableWeb
	case types.LaneVector:
		return o.cfg.EnableVector
	case types.LaneKG:
		return o.cfg.EnableKG
	}
	return false
}

func (o *Orchestrator) laneBudget(name types.LaneName) time.Duration {
	var d time.Duration
	switch name {
	case types.LaneWeb:
		d = o.cfg.WebTimeout
	case types.LaneVector:
		d = o.cfg.VectorTimeout
	case types.LaneKG:
		d = o.cfg.KGTimeout
	}
	if d <= 0 || d > o.cfg.TotalTimeout {
		d = o.cfg.TotalTimeout
	}
	return d
}

func (o *Orchestrator) laneTopK(name types.LaneName) int {
	if name == types.LaneKG {
		return 6
	}
	return o.cfg.TopK
}

// Retrieve runs all enabled lanes under the total budget. It always
// returns a result; per-lane faults surface as warnings, never as an
// error, unless every enabled lane came back empty-handed.
func (o *Orchestrator) Retrieve(ctx context.Context, queryText, traceID string) (*types.OrchestratorResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TotalTimeout)
	defer cancel()

	out := &types.OrchestratorResult{
		LaneResults: make(map[types.LaneName]types.LaneResult, len(types.LaneOrder)),
	}
	if o.warmup != nil && !o.warmup.IsReady() {
		out.WarmupCold = true
	}

	type laneOutcome struct {
		name   types.LaneName
		result types.LaneResult
	}
	results := make(chan laneOutcome, len(types.LaneOrder))

	running := 0
	for _, name := range types.LaneOrder {
		if !o.enabled(name) {
			out.LaneResults[name] = types.LaneResult{
				Lane:   name,
				Status: types.LaneDisabled,
				Items:  []types.Source{},
			}
			continue
		}

		running++
		l := o.lanes[name]
		req := types.LaneRequest{
			QueryText: queryText,
			TopK:      o.laneTopK(name),
			Deadline:  o.laneBudget(name),
			TraceID:   traceID,
		}
		go func(name types.LaneName) {
			results <- laneOutcome{name: name, result: o.runner.Run(ctx, l, req)}
		}(name)
	}

	for i := 0; i < running; i++ {
		select {
		case r := <-results:
			out.LaneResults[r.name] = r.result
		case <-ctx.Done():
			// Total budget spent; anything still in flight is late.
			for _, name := range types.LaneOrder {
				if _, ok := out.LaneResults[name]; !ok {
					out.LaneResults[name] = types.LaneResult{
						Lane:      name,
						Status:    types.LaneTimeout,
						Items:     []types.Source{},
						LatencyMS: o.cfg.TotalTimeout.Milliseconds(),
						ErrorKind: pkgerrors.KindLaneTimeout,
					}
				}
			}
			i = running
		}
	}

	anyItems := false
	for _, name := range types.LaneOrder {
		r := out.LaneResults[name]
		switch r.Status {
		case types.LaneDisabled:
			out.Warnings = append(out.Warnings, fmt.Sprintf("lane_disabled:%s", name))
		case types.LaneTimeout:
			out.Warnings = append(out.Warnings, fmt.Sprintf("lane_timeout:%s", name))
		case types.LaneError:
			out.Warnings = append(out.Warnings, fmt.Sprintf("lane_error:%s", name))
		}
		if len(r.Items) > 0 {
			anyItems = true
		}
	}

	out.TotalLatencyMS = time.Since(start).Milliseconds()
	if out.TotalLatencyMS > o.cfg.TotalTimeout.Milliseconds()+deadlineGrace.Milliseconds() {
		out.TotalLatencyMS = o.cfg.TotalTimeout.Milliseconds() + deadlineGrace.Milliseconds()
	}

	if o.logger != nil {
		o.logger.WithTraceID(ctx).Info("retrieval complete",
			"total_ms", out.TotalLatencyMS,
			"warnings", out.Warnings,
			"warmup_cold", out.WarmupCold,
		)
	}

	if !anyItems && running > 0 {
		return out, pkgerrors.NewLaneError("retrieval", "all enabled lanes failed or timed out")
	}
	return out, nil
}

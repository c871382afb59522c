// Package lane implements the three retrieval lanes (web, vector,
// knowledge-graph), the fan-out orchestrator that runs them in
// parallel under a total deadline, and the warmup manager.
package lane

import (
	"context"
	"errors"
	"time"

	"github.com/relago-ai/relago/internal/deadline"
	"github.com/relago-ai/relago/internal/metrics"
	"github.com/relago-ai/relago/internal/resilience"
	pkgerrors "github.com/relago-ai/relago/pkg/errors"
	"github.com/relago-ai/relago/pkg/types"
)

// deadlineGrace is the slack allowed between a lane's reported latency
// and its budget; the runner itself never waits longer than budget,
// the grace covers scheduling jitter in the measurement.
const deadlineGrace = 100 * time.Millisecond

// Lane is the capability set shared by all retrieval adapters. fetch
// may block and may return an error; the exported Search path wraps it
// so nothing escapes the lane boundary.
type Lane interface {
	Name() types.LaneName
	fetch(ctx context.Context, req types.LaneRequest) ([]types.Source, error)
}

// Runner executes one lane call under its budget, on the shared worker
// pool, with breaker accounting. It converts every outcome into a
// LaneResult; it never returns an error.
type Runner struct {
	pool     *resilience.Semaphore
	breakers *resilience.Manager
}

// NewRunner creates a lane runner backed by the worker pool.
func NewRunner(pool *resilience.Semaphore, breakers *resilience.Manager) *Runner {
	return &Runner{pool: pool, breakers: breakers}
}

// Run performs the bounded lane call. Worker-pool admission counts
// against the lane budget so a saturated pool surfaces as a timeout,
// not as an unbounded wait.
func (r *Runner) Run(ctx context.Context, l Lane, req types.LaneRequest) types.LaneResult {
	start := time.Now()
	name := l.Name()

	breakerKey := "lane:" + string(name)
	if r.breakers.Allow(breakerKey) != nil {
		return types.LaneResult{
			Lane:      name,
			Status:    types.LaneError,
			Items:     []types.Source{},
			LatencyMS: 0,
			ErrorKind: pkgerrors.KindCircuitOpen,
		}
	}

	res := deadline.RunValue(ctx, req.Deadline, func(ctx context.Context) ([]types.Source, error) {
		if err := r.pool.Acquire(ctx); err != nil {
			return nil, err
		}
		defer r.pool.Release()
		return l.fetch(ctx, req)
	})

	latency := time.Since(start)
	if latency > req.Deadline+deadlineGrace {
		latency = req.Deadline + deadlineGrace
	}
	out := types.LaneResult{
		Lane:      name,
		Items:     []types.Source{},
		LatencyMS: latency.Milliseconds(),
	}

	switch {
	case res.Err == nil:
		out.Status = types.LaneOK
		if res.Value != nil {
			out.Items = res.Value
		}
		if len(out.Items) > req.TopK {
			out.Items = out.Items[:req.TopK]
		}
		r.breakers.RecordSuccess(breakerKey)

	case res.DeadlineHit || errors.Is(res.Err, context.DeadlineExceeded):
		out.Status = types.LaneTimeout
		out.ErrorKind = pkgerrors.KindLaneTimeout
		r.breakers.RecordFailure(breakerKey)

	case errors.Is(res.Err, context.Canceled):
		out.Status = types.LaneTimeout
		out.ErrorKind = pkgerrors.KindLaneTimeout

	default:
		// Partial failure mid-scan: items already materialized keep
		// the lane ok.
		if len(res.Value) > 0 {
			out.Status = types.LaneOK
			out.Items = res.Value
			if len(out.Items) > req.TopK {
				out.Items = out.Items[:req.TopK]
			}
			r.breakers.RecordSuccess(breakerKey)
			break
		}
		out.Status = types.LaneError
		out.ErrorKind = pkgerrors.KindLaneError
		r.breakers.RecordFailure(breakerKey)
	}

	metrics.LaneLatencyMS.WithLabelValues(string(name)).Observe(float64(out.LatencyMS))
	metrics.LaneStatus.WithLabelValues(string(name)).Set(laneGauge(out.Status))
	return out
}

func laneGauge(status types.LaneStatus) float64 {
	switch status {
	case types.LaneOK:
		return 2
	case types.LaneTimeout:
		return 1
	default:
		return 0
	}
}

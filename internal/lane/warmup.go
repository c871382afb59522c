package lane

import (
	"context"
	"sync"
	"time"

	"github.com/relago-ai/relago/internal/observability"
	"github.com/relago-ai/relago/pkg/types"
)

// warmupQuery is the throwaway probe each lane answers once at boot.
const warmupQuery = "warmup"

// WarmupStep records the outcome of one warmup action.
type WarmupStep struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// WarmupReport summarizes a warmup run. Ready is true when every step
// for an enabled component succeeded.
type WarmupReport struct {
	Ready     bool         `json:"ready"`
	Steps     []WarmupStep `json:"steps"`
	TotalMS   int64        `json:"total_ms"`
	StartedAt time.Time    `json:"started_at"`
}

// Warmup primes the embedder and the lane backends so the first real
// query does not pay connection and model-load cost. Warmup runs at
// most once per process; concurrent callers coalesce onto the single
// in-flight run and all receive the same report.
type Warmup struct {
	embedder Embedder
	runner   *Runner
	lanes    map[types.LaneName]Lane
	logger   *observability.Logger

	once   sync.Once
	ready  sync.RWMutex
	isHot  bool
	report *WarmupReport
}

// NewWarmup creates the warmup manager.
func NewWarmup(embedder Embedder, runner *Runner, lanes map[types.LaneName]Lane, logger *observability.Logger) *Warmup {
	return &Warmup{
		embedder: embedder,
		runner:   runner,
		lanes:    lanes,
		logger:   logger,
	}
}

// IsReady reports whether a warmup run completed successfully.
func (w *Warmup) IsReady() bool {
	w.ready.RLock()
	defer w.ready.RUnlock()
	return w.isHot
}

// Report returns the last warmup report, or nil before the first run.
func (w *Warmup) Report() *WarmupReport {
	w.ready.RLock()
	defer w.ready.RUnlock()
	return w.report
}

// Run executes the warmup sequence once. Repeat calls return the
// stored report without re-running anything.
func (w *Warmup) Run(ctx context.Context) *WarmupReport {
	w.once.Do(func() {
		report := w.execute(ctx)
		w.ready.Lock()
		w.report = report
		w.isHot = report.Ready
		w.ready.Unlock()
	})
	return w.Report()
}

func (w *Warmup) execute(ctx context.Context) *WarmupReport {
	report := &WarmupReport{Ready: true, StartedAt: time.Now()}
	start := time.Now()

	w.step(report, "embedder", func() error {
		if w.embedder == nil {
			return nil
		}
		_, err := w.embedder.Embed(ctx, warmupQuery)
		return err
	})

	// One tiny probe per configured lane opens its connection and
	// exercises the full request path.
	for _, name := range types.LaneOrder {
		l, ok := w.lanes[name]
		if !ok {
			continue
		}
		w.step(report, "lane:"+string(name), func() error {
			res := w.runner.Run(ctx, l, types.LaneRequest{
				QueryText: warmupQuery,
				TopK:      1,
				Deadline:  2 * time.Second,
				TraceID:   "warmup",
			})
			if res.Status == types.LaneOK {
				return nil
			}
			return &warmupLaneError{lane: name, kind: res.ErrorKind}
		})
	}

	report.TotalMS = time.Since(start).Milliseconds()
	if w.logger != nil {
		w.logger.Info("warmup finished", "ready", report.Ready, "total_ms", report.TotalMS)
	}
	return report
}

func (w *Warmup) step(report *WarmupReport, name string, fn func() error) {
	start := time.Now()
	err := fn()
	s := WarmupStep{
		Name:      name,
		OK:        err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.Error = err.Error()
		report.Ready = false
		if w.logger != nil {
			w.logger.Warn("warmup step failed", "step", name, "error", err)
		}
	}
	report.Steps = append(report.Steps, s)
}

type warmupLaneError struct {
	lane types.LaneName
	kind string
}

func (e *warmupLaneError) Error() string {
	return "lane probe failed: " + string(e.lane) + " (" + e.kind + ")"
}

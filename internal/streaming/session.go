// Package streaming manages SSE sessions: event framing, the session
// state machine, heartbeats, and the hard duration cap.
package streaming

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relago-ai/relago/internal/metrics"
	"github.com/relago-ai/relago/internal/observability"
	pkgerrors "github.com/relago-ai/relago/pkg/errors"
	"github.com/relago-ai/relago/pkg/types"
)

// Config bounds one SSE session.
type Config struct {
	MaxDuration       time.Duration
	HeartbeatInterval time.Duration
}

// Session is one live SSE connection. All event emission goes through
// its mutex so events are strictly ordered on the wire.
type Session struct {
	cfg     Config
	w       http.ResponseWriter
	flusher http.Flusher
	traceID string
	logger  *observability.Logger
	started time.Time

	mu       sync.Mutex
	state    types.SessionState
	lastSent time.Time
}

// NewSession prepares a session over w. It fails when the writer does
// not support flushing, which SSE requires.
func NewSession(w http.ResponseWriter, cfg Config, traceID string, logger *observability.Logger) (*Session, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.SSEConnectionsTotal.Inc()
	return &Session{
		cfg:     cfg,
		w:       w,
		flusher: flusher,
		traceID: traceID,
		logger:  logger,
		started: time.Now(),
		state:   types.SessionOpening,
	}, nil
}

// State returns the current session state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ElapsedMS returns wall time since the session opened.
func (s *Session) ElapsedMS() int64 {
	return time.Since(s.started).Milliseconds()
}

// send frames and flushes one event. Terminal states drop further
// events silently; the state machine never emits past its end.
func (s *Session) send(ev types.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return nil
	}

	ev.TraceID = s.traceID
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	s.lastSent = time.Now()
	return nil
}

// SendChunk emits a content_chunk and moves the session to streaming.
func (s *Session) SendChunk(content string) error {
	s.mu.Lock()
	if s.state == types.SessionOpening {
		s.state = types.SessionStreaming
	}
	s.mu.Unlock()
	return s.send(types.StreamEvent{Type: types.EventContentChunk, Content: content})
}

// SendHeartbeat emits a heartbeat carrying elapsed time and state.
func (s *Session) SendHeartbeat() error {
	metrics.SSEHeartbeatsTotal.Inc()
	return s.send(types.StreamEvent{
		Type:      types.EventHeartbeat,
		ElapsedMS: s.ElapsedMS(),
		State:     string(s.State()),
	})
}

// Complete emits the terminal complete event.
func (s *Session) Complete(citations int, usage *types.TokenUsage, providerID, modelID string) error {
	err := s.send(types.StreamEvent{
		Type:           types.EventComplete,
		CitationsCount: &citations,
		TokenUsage:     usage,
		ProviderID:     providerID,
		ModelID:        modelID,
	})
	s.finish(types.SessionCompleted)
	return err
}

// Fail emits the terminal error event for err.
func (s *Session) Fail(cause error) error {
	retryable := pkgerrors.IsRetryable(cause)
	err := s.send(types.StreamEvent{
		Type:      types.EventError,
		ErrorKind: pkgerrors.KindOf(cause),
		Retryable: &retryable,
	})

	final := types.SessionErrored
	if pkgerrors.KindOf(cause) == pkgerrors.KindStreamTimedOut {
		final = types.SessionTimedOut
	}
	s.finish(final)
	return err
}

func (s *Session) finish(final types.SessionState) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = final
	}
	final = s.state
	s.mu.Unlock()

	metrics.SSEDurationMS.Observe(float64(s.ElapsedMS()))
	if s.logger != nil {
		s.logger.Info("sse session finished",
			"trace_id", s.traceID,
			"state", string(final),
			"duration_ms", s.ElapsedMS(),
		)
	}
}

// remaining returns the unspent share of the duration cap, measured
// from session open.
func (s *Session) remaining() time.Duration {
	rem := s.cfg.MaxDuration - time.Since(s.started)
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Await keeps the session alive while fn runs: heartbeats continue at
// the configured interval and the duration cap stays enforced. It
// covers the phase before chunks flow, where retrieval and the
// provider stream open can block for seconds. Cap expiry and client
// disconnect emit the terminal event and return an error; otherwise
// fn's own error is returned with the session still open.
func (s *Session) Await(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.remaining())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case err := <-done:
			return err

		case <-heartbeat.C:
			if err := s.SendHeartbeat(); err != nil {
				s.finish(types.SessionErrored)
				return err
			}

		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				timedOut := pkgerrors.NewStreamTimedOut()
				_ = s.Fail(timedOut)
				return timedOut
			}
			s.finish(types.SessionErrored)
			return ctx.Err()
		}
	}
}

// ChunkSource produces the content chunks for one session.
type ChunkSource interface {
	// Next blocks for the next chunk. Done is true after the final
	// chunk has been returned.
	Next(ctx context.Context) (chunk string, done bool, err error)
}

// Pump drives the session to a terminal state: it forwards chunks from
// src, emits heartbeats over idle gaps, enforces the duration cap, and
// reacts to client disconnect via ctx. The cap counts from session
// open, so time already spent in Await is not granted again. onDone
// runs after the final chunk with the session still open so the caller
// can emit complete with usage details.
func (s *Session) Pump(ctx context.Context, src ChunkSource, onDone func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.remaining())
	defer cancel()

	type next struct {
		chunk string
		done  bool
		err   error
	}
	results := make(chan next, 1)
	fetch := func() {
		c, done, err := src.Next(ctx)
		results <- next{chunk: c, done: done, err: err}
	}
	go fetch()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case r := <-results:
			if r.err != nil {
				return s.Fail(r.err)
			}
			if r.chunk != "" {
				if err := s.SendChunk(r.chunk); err != nil {
					// Write failure means the client is gone.
					s.finish(types.SessionErrored)
					return err
				}
				heartbeat.Reset(s.cfg.HeartbeatInterval)
			}
			if r.done {
				if onDone != nil {
					return onDone()
				}
				return s.Complete(0, nil, "", "")
			}
			go fetch()

		case <-heartbeat.C:
			if err := s.SendHeartbeat(); err != nil {
				s.finish(types.SessionErrored)
				return err
			}

		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return s.Fail(pkgerrors.NewStreamTimedOut())
			}
			// Client disconnect: nothing left to write to.
			s.finish(types.SessionErrored)
			return ctx.Err()
		}
	}
}

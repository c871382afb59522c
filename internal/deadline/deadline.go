// Package deadline provides the shared run-with-deadline primitive used
// by the lane orchestrator, the guided-prompt engine, and provider
// failover. The function runs in its own goroutine so the caller gets
// its result back within the budget even when the function ignores
// cancellation; a late result is discarded, never delivered.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDeadlineExceeded is returned when the budget elapses before the
// function returns.
var ErrDeadlineExceeded = errors.New("deadline exceeded")

// Result carries the outcome of a bounded run.
type Result[T any] struct {
	Value       T
	Err         error
	Elapsed     time.Duration
	DeadlineHit bool
}

// RunValue executes fn under the given budget. The context passed to fn
// is cancelled when the budget elapses or the parent is cancelled; fn
// runs on its own goroutine so a blocking fn cannot stall the caller.
func RunValue[T any](ctx context.Context, budget time.Duration, fn func(ctx context.Context) (T, error)) Result[T] {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1) // buffered: a late fn return must not leak the goroutine

	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome{value: zero, err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(runCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return Result[T]{Value: out.value, Err: out.err, Elapsed: time.Since(start)}
	case <-runCtx.Done():
		var zero T
		res := Result[T]{Value: zero, Elapsed: time.Since(start)}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.Err = ErrDeadlineExceeded
			res.DeadlineHit = true
		} else {
			res.Err = runCtx.Err()
		}
		return res
	}
}

// Run executes fn under the given budget, for functions without a
// return value.
func Run(ctx context.Context, budget time.Duration, fn func(ctx context.Context) error) Result[struct{}] {
	return RunValue(ctx, budget, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

package middleware

import (
	"context"
	"sync"
)

// SeriesExecutor serializes scenario executions that would otherwise run
// concurrently. The ordering chain lives in the executor instance, so create
// one per logical test run and do not share it across unrelated scenario
// sets that need parallel isolation.
type SeriesExecutor struct {
	mu   sync.Mutex
	last chan struct{}
}

// NewSeriesExecutor creates an executor with an empty chain.
func NewSeriesExecutor() *SeriesExecutor {
	return &SeriesExecutor{}
}

// enqueue appends this caller to the chain: it returns the predecessor's
// completion channel (nil for the first caller) and the function that marks
// this caller complete.
func (e *SeriesExecutor) enqueue() (wait <-chan struct{}, done func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.last
	ch := make(chan struct{})
	e.last = ch

	var once sync.Once
	return prev, func() { once.Do(func() { close(ch) }) }
}

// Run executes fn after every previously enqueued execution has completed.
// If ctx is cancelled while waiting, the chain still advances once the
// predecessor finishes so successors are never orphaned.
func (e *SeriesExecutor) Run(ctx context.Context, fn func(context.Context) error) error {
	wait, done := e.enqueue()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			go func() {
				<-wait
				done()
			}()
			return ctx.Err()
		}
	}

	defer done()
	return fn(ctx)
}

// Series wraps scenario executions in the executor's chain, forcing them to
// run one after another.
func Series[S any](e *SeriesExecutor) Middleware[S, S] {
	return func(ctx context.Context, run Run[S], f S) error {
		return e.Run(ctx, func(ctx context.Context) error {
			return run(ctx, f)
		})
	}
}

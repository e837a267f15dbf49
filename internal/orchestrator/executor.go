package orchestrator

import (
	"context"
	"log/slog"
	"sync"
)

// Executor runs background work with a fixed concurrency bound shared by all controllers.
type Executor struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewExecutor(size int, logger *slog.Logger) *Executor {
	if size <= 0 {
		size = 8
	}
	return &Executor{
		sem:    make(chan struct{}, size),
		logger: logger.With("component", "executor"),
	}
}

type slotKey struct{}

// Yield gives the calling job's slot back before the job returns. Later calls,
// and calls from outside the executor, do nothing.
func Yield(ctx context.Context) {
	if release, ok := ctx.Value(slotKey{}).(func()); ok {
		release()
	}
}

// Submit never blocks the caller. fn always runs; when ctx ends before a slot
// frees up it runs without one and is expected to observe ctx.Err().
func (e *Executor) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) {
	e.wg.Go(func() {
		select {
		case e.sem <- struct{}{}:
			release := sync.OnceFunc(func() { <-e.sem })
			defer release()
			ctx = context.WithValue(ctx, slotKey{}, release)
		case <-ctx.Done():
		}

		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Background job panicked", "job", name, "panic", r)
			}
		}()

		if err := fn(ctx); err != nil {
			e.logger.Debug("Background job finished with error", "job", name, "error", err)
		}
	})
}

// Wait blocks until every submitted job has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

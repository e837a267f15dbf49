package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecutorYieldFreesSlot(t *testing.T) {
	e := NewExecutor(1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(e.Wait)

	hold := make(chan struct{})
	yielded := make(chan struct{})
	e.Submit(context.Background(), "long", func(ctx context.Context) error {
		Yield(ctx)
		Yield(ctx)
		close(yielded)
		<-hold
		return nil
	})
	<-yielded

	ran := make(chan struct{})
	e.Submit(context.Background(), "short", func(ctx context.Context) error {
		close(ran)
		return nil
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("second job waited for the first job's slot")
	}
	close(hold)
	e.Wait()
	assert.Empty(t, e.sem, "slot released exactly once")
}

func TestYieldOutsideExecutor(t *testing.T) {
	assert.NotPanics(t, func() { Yield(context.Background()) })
}

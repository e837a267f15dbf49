package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleet/internal/eventbus"
	"fleet/internal/monitor"

	"k8s.io/utils/clock"
)

var _ TaskObserver = (*Lifecycle)(nil)

// Lifecycle retires Ready workers after their single task, or after idling past their agent timeout.
type Lifecycle struct {
	registry NodeRegistry
	index    WorkerIndex
	executor *Executor
	events   eventbus.Publisher
	clock    clock.WithTicker
	logger   *slog.Logger

	retiring sync.Map // worker name -> reason
	busy     sync.Map // worker name -> task
}

func NewLifecycle(registry NodeRegistry, index WorkerIndex, executor *Executor, events eventbus.Publisher, clk clock.WithTicker, logger *slog.Logger) *Lifecycle {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Lifecycle{
		registry: registry,
		index:    index,
		executor: executor,
		events:   events,
		clock:    clk,
		logger:   logger.With("component", "lifecycle"),
	}
}

func (l *Lifecycle) OnTaskAccepted(ctx context.Context, workerName, task string) {
	l.busy.Store(workerName, task)
	l.logger.Info("Task accepted", "worker", workerName, "task", task)
	l.publish(ctx, eventbus.Event{Type: eventbus.EventTaskAccepted, Worker: workerName, Message: task})
}

// OnTaskFinished treats success and failure alike unless the worker keeps failed workers.
func (l *Lifecycle) OnTaskFinished(ctx context.Context, workerName string, outcome TaskOutcome) {
	l.busy.Delete(workerName)
	if r, ok := l.index.Lookup(workerName); ok {
		r.markTaskFinished()
	}

	if err := l.registry.SetAcceptingTasks(ctx, workerName, false); err != nil && !errors.Is(err, ErrNodeNotFound) {
		l.logger.Warn("Failed to stop task acceptance", "worker", workerName, "error", err)
	}

	msg := "task finished"
	if !outcome.Success {
		msg = "task finished with problems"
		if outcome.Err != nil {
			msg += ": " + outcome.Err.Error()
		}
	}
	l.logger.Info("Task finished", "worker", workerName, "task", outcome.Task,
		"success", outcome.Success, "duration", outcome.Duration)
	l.publish(ctx, eventbus.Event{Type: eventbus.EventTaskFinished, Worker: workerName, Message: msg})

	if !outcome.Success {
		if r, ok := l.index.Lookup(workerName); ok && r.keepOnFailure {
			l.logger.Info("Keeping failed worker for inspection", "worker", workerName)
			return
		}
	}

	l.Retire(ctx, workerName, "task_finished")
}

// Retire schedules exactly one teardown per worker name. It returns false if one was already scheduled.
func (l *Lifecycle) Retire(ctx context.Context, workerName, reason string) bool {
	if _, loaded := l.retiring.LoadOrStore(workerName, reason); loaded {
		l.logger.Debug("Worker already retiring", "worker", workerName)
		return false
	}

	r, ok := l.index.Lookup(workerName)
	if !ok {
		// 已释放的 worker 无需再次 teardown
		l.retiring.Delete(workerName)
		return false
	}
	if err := r.transition(StateRetiring, l.clock.Now()); err != nil {
		l.logger.Warn("Retiring worker outside Ready", "worker", workerName, "error", err)
	}
	l.publish(ctx, eventbus.Event{Type: eventbus.EventWorkerRetiring, Worker: workerName, Message: reason})

	l.executor.Submit(context.WithoutCancel(ctx), "retire:"+workerName, func(ctx context.Context) error {
		return l.teardown(ctx, workerName, reason)
	})
	return true
}

func (l *Lifecycle) teardown(ctx context.Context, workerName, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs error
	if err := l.registry.RemoveNode(ctx, workerName); err != nil && !errors.Is(err, ErrNodeNotFound) {
		monitor.DeregistrationErrors.Inc()
		errs = fmt.Errorf("%w: %v", ErrDeregistration, err)
		l.logger.Warn("Failed to deregister worker", "worker", workerName, "error", errs)
	}

	record, owned := l.index.Lookup(workerName)
	l.index.Release(ctx, workerName)
	if owned {
		if err := record.transition(StateTerminated, l.clock.Now()); err != nil {
			l.logger.Warn("Cannot mark worker terminated", "worker", workerName, "error", err)
		}
	}

	l.retiring.Delete(workerName)

	monitor.WorkersTerminatedTotal.WithLabelValues(reason).Inc()
	l.publish(ctx, eventbus.Event{Type: eventbus.EventWorkerTerminated, Worker: workerName, Message: reason})
	l.logger.Info("Worker terminated", "worker", workerName, "reason", reason)
	return errs
}

// Sweep retires Ready workers that have been idle longer than their agent timeout.
func (l *Lifecycle) Sweep(ctx context.Context) int {
	now := l.clock.Now()
	n := 0
	for _, r := range l.index.Workers() {
		if r.State() != StateReady {
			continue
		}
		if _, busy := l.busy.Load(r.Name); busy {
			continue
		}
		if now.Sub(r.ReadyAt()) < r.AgentTimeout() {
			continue
		}
		if l.Retire(ctx, r.Name, "idle_timeout") {
			n++
		}
	}
	if n > 0 {
		l.logger.Info("Retention sweep retired idle workers", "count", n)
	}
	return n
}

// Start runs Sweep on every tick until ctx ends.
func (l *Lifecycle) Start(ctx context.Context, interval time.Duration) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("Retention sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Retention sweeper stopped")
			return
		case <-ticker.C():
			l.Sweep(ctx)
		}
	}
}

func (l *Lifecycle) publish(ctx context.Context, event eventbus.Event) {
	if l.events == nil {
		return
	}
	event.Timestamp = l.clock.Now()
	if err := l.events.Publish(ctx, event.Worker, event); err != nil {
		l.logger.Warn("Failed to publish event", "type", event.Type, "worker", event.Worker, "error", err)
	}
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fleet/internal/eventbus"
	"fleet/internal/monitor"
)

var _ Launcher = (*LaunchProcess)(nil)

// LaunchProcess drives one WorkerRecord from Invoking to Ready or Failed.
type LaunchProcess struct {
	mu         sync.Mutex
	record     *WorkerRecord
	ctrl       *FleetController
	function   string
	completion *Completion
}

func (p *LaunchProcess) Record() *WorkerRecord {
	return p.record
}

func (p *LaunchProcess) Completion() *Completion {
	return p.completion
}

// Launch is safe to call again: after Ready it only re-enables task acceptance,
// unless the worker's task has already finished. After Failed it returns ErrAlreadyInvoked.
func (p *LaunchProcess) Launch(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.ctrl
	name := p.record.Name
	logger := c.logger.With("worker", name)

	if p.record.Launched() {
		if p.record.State() != StateReady || p.record.TaskFinished() {
			return nil
		}
		if err := c.deps.Registry.SetAcceptingTasks(ctx, name, true); err != nil {
			logger.Warn("Failed to re-enable task acceptance", "error", err)
			return err
		}
		return nil
	}

	if !p.record.claimInvocation() {
		return fmt.Errorf("%w: %s", ErrAlreadyInvoked, name)
	}

	if err := ctx.Err(); err != nil {
		return p.fail(fmt.Errorf("%w: %v", ErrLaunchCancelled, err))
	}

	c.mu.Lock()
	cfg := c.cfg
	inv := c.invoker
	c.mu.Unlock()
	timeout := p.record.AgentTimeout()

	if inv == nil {
		return p.fail(fmt.Errorf("%w: no invoker available", ErrInvocation))
	}

	if err := c.deps.Registry.AddNode(ctx, p.record.node()); err != nil {
		return p.fail(fmt.Errorf("%w: register node: %v", ErrInvocation, err))
	}

	secret, err := c.deps.Secrets.Issue(name, timeout)
	if err != nil {
		return p.fail(fmt.Errorf("%w: issue node secret: %v", ErrInvocation, err))
	}

	payload, err := json.Marshal(InvocationPayload{
		URL:        cfg.CallbackBaseURL,
		NodeSecret: secret,
		NodeName:   name,
	})
	if err != nil {
		return p.fail(fmt.Errorf("%w: marshal payload: %v", ErrInvocation, err))
	}

	logger.Info("Invoking remote function", "function", p.function)
	res, err := p.invoke(ctx, inv, payload)
	if err != nil {
		return p.fail(err)
	}
	if res.LogTail != "" {
		logger.Debug("Invocation log tail", "log", res.LogTail)
	}

	if err := p.record.transition(StateWaitingForConnect, c.deps.Clock.Now()); err != nil {
		return p.fail(err)
	}
	c.publish(ctx, eventbus.Event{Type: eventbus.EventWorkerInvoked, Worker: name, Message: "function " + p.function + " invoked"})

	// 等待回连期间不占用 executor 槽位，invokeSem 已限制调用并发
	Yield(ctx)

	if err := p.waitForConnect(ctx, timeout); err != nil {
		return p.fail(err)
	}

	now := c.deps.Clock.Now()
	if err := p.record.transition(StateReady, now); err != nil {
		return p.fail(err)
	}

	if err := c.deps.Registry.SaveNode(ctx, p.record.node()); err != nil {
		logger.Warn("Failed to persist launched flag", "error", err)
	}
	if err := c.deps.Registry.SetAcceptingTasks(ctx, name, true); err != nil {
		logger.Warn("Failed to enable task acceptance", "error", err)
	}

	monitor.LaunchesTotal.WithLabelValues(cfg.PoolID, "ready").Inc()
	monitor.ConnectLatency.WithLabelValues(cfg.PoolID).Observe(now.Sub(p.record.CreatedAt).Seconds())
	c.publish(ctx, eventbus.Event{Type: eventbus.EventWorkerReady, Worker: name, Message: "worker connected"})
	logger.Info("Worker ready", "elapsed", now.Sub(p.record.CreatedAt))

	p.completion.resolve(p.record, nil)
	return nil
}

func (p *LaunchProcess) invoke(ctx context.Context, inv RemoteInvoker, payload []byte) (*InvokeResult, error) {
	c := p.ctrl

	// 限制单个 pool 的并发调用数
	select {
	case c.invokeSem <- struct{}{}:
		defer func() { <-c.invokeSem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLaunchCancelled, ctx.Err())
	}

	start := time.Now()
	res, err := inv.Invoke(ctx, p.function, payload)
	monitor.InvocationLatency.WithLabelValues(c.cfg.PoolID).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunchCancelled, err)
		}
		c.markInvokerStale()
		return nil, fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	if res == nil {
		return nil, fmt.Errorf("%w: empty result", ErrInvocation)
	}
	if res.FunctionError != "" {
		return nil, fmt.Errorf("%w: function error %s: %s", ErrInvocation, res.FunctionError, strings.TrimSpace(string(res.Payload)))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvocation, res.StatusCode)
	}
	return res, nil
}

// waitForConnect probes first, then waits one poll interval between probes.
func (p *LaunchProcess) waitForConnect(ctx context.Context, timeout time.Duration) error {
	c := p.ctrl
	name := p.record.Name

	deadline := c.deps.Clock.NewTimer(timeout)
	defer deadline.Stop()
	ticker := c.deps.Clock.NewTicker(c.deps.PollInterval)
	defer ticker.Stop()

	for {
		state, err := c.deps.Registry.ComputerFor(ctx, name)
		switch {
		case errors.Is(err, ErrNodeNotFound):
			return fmt.Errorf("%w: node %s was removed while waiting", ErrLaunchCancelled, name)
		case err != nil:
			c.logger.Debug("Probe failed", "worker", name, "error", err)
		case state.Online && state.AcceptingTasks:
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLaunchCancelled, ctx.Err())
		case <-deadline.C():
			return fmt.Errorf("%w: %s after %s", ErrLaunchTimeout, name, timeout)
		case <-ticker.C():
		}
	}
}

// fail runs the Failed path. Cleanup errors are logged only.
func (p *LaunchProcess) fail(cause error) error {
	c := p.ctrl
	name := p.record.Name
	now := c.deps.Clock.Now()

	// cleanup 使用独立 context，避免被已取消的 launch context 中断
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 10*time.Second)
	defer cancel()

	p.record.fail(cause)
	if err := p.record.transition(StateFailed, now); err != nil {
		c.logger.Error("Cannot mark worker failed", "worker", name, "error", err)
	}

	reason := "invocation"
	switch {
	case errors.Is(cause, ErrLaunchTimeout):
		reason = "timeout"
	case errors.Is(cause, ErrLaunchCancelled):
		reason = "cancelled"
	}
	monitor.LaunchesTotal.WithLabelValues(c.cfg.PoolID, reason).Inc()
	c.logger.Error("Worker launch failed", "worker", name, "reason", reason, "error", cause)
	c.publish(ctx, eventbus.Event{
		Type:    eventbus.EventWorkerFailed,
		Worker:  name,
		Message: cause.Error(),
		Fatal:   true,
	})

	c.deps.Secrets.Revoke(name)
	if err := c.deps.Registry.RemoveNode(ctx, name); err != nil && !errors.Is(err, ErrNodeNotFound) {
		monitor.DeregistrationErrors.Inc()
		c.logger.Warn("Best-effort deregistration failed",
			"worker", name, "error", fmt.Errorf("%w: %v", ErrDeregistration, err))
	}

	c.Release(ctx, name)
	if err := p.record.transition(StateTerminated, c.deps.Clock.Now()); err != nil {
		c.logger.Error("Cannot mark worker terminated", "worker", name, "error", err)
	}
	monitor.WorkersTerminatedTotal.WithLabelValues("launch_failed").Inc()

	p.completion.resolve(p.record, cause)
	return cause
}

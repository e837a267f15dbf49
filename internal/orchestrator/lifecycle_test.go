package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleet/internal/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

func readyWorker(t *testing.T, h *testHarness, cfg PoolConfig) (*ProvisioningLoop, *FleetController, string) {
	t.Helper()
	loop := NewProvisioningLoop(h.logger)
	c := h.controller(cfg)
	loop.Register(c, 0)

	planned := c.RequestProvision(context.Background(), "", 1)
	require.Len(t, planned, 1)
	errs := waitAll(t, planned)
	require.NoError(t, errs[0])
	return loop, c, planned[0].WorkerName
}

func TestOnTaskFinishedTearsDownOnce(t *testing.T) {
	h := newTestHarness(t)
	loop, c, name := readyWorker(t, h, testPool("p"))
	lc := NewLifecycle(h.registry, loop, h.executor, h.events, h.clock, h.logger)
	rec, _ := c.Lookup(name)
	ctx := context.Background()

	lc.OnTaskAccepted(ctx, name, "job#1")
	lc.OnTaskFinished(ctx, name, TaskOutcome{Task: "job#1", Success: true})
	lc.OnTaskFinished(ctx, name, TaskOutcome{Task: "job#1", Success: true})

	require.Eventually(t, func() bool {
		return rec.State() == StateTerminated
	}, 2*time.Second, 5*time.Millisecond)
	h.executor.Wait()

	assert.Equal(t, 1, h.registry.removals(name))
	calls := h.registry.acceptingCalls(name)
	require.NotEmpty(t, calls)
	assert.False(t, calls[len(calls)-1], "task acceptance switched off")
	_, tracked := c.Lookup(name)
	assert.False(t, tracked)
	assert.Contains(t, h.events.types(name), eventbus.EventWorkerTerminated)

	_, pending := lc.retiring.Load(name)
	assert.False(t, pending, "retire marker cleared after teardown")

	lc.OnTaskFinished(ctx, name, TaskOutcome{Task: "job#1", Success: true})
	h.executor.Wait()
	assert.Equal(t, 1, h.registry.removals(name), "released worker is not torn down again")
}

func TestOnTaskFinishedFailureTearsDown(t *testing.T) {
	h := newTestHarness(t)
	loop, c, name := readyWorker(t, h, testPool("p"))
	lc := NewLifecycle(h.registry, loop, h.executor, h.events, h.clock, h.logger)
	rec, _ := c.Lookup(name)

	lc.OnTaskFinished(context.Background(), name, TaskOutcome{Task: "job#2", Success: false, Err: errors.New("exit 1")})

	require.Eventually(t, func() bool {
		return rec.State() == StateTerminated
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOnTaskFinishedKeepOnFailure(t *testing.T) {
	h := newTestHarness(t)
	cfg := testPool("p")
	cfg.KeepOnFailure = true
	loop, c, name := readyWorker(t, h, cfg)
	lc := NewLifecycle(h.registry, loop, h.executor, h.events, h.clock, h.logger)
	rec, _ := c.Lookup(name)

	lc.OnTaskFinished(context.Background(), name, TaskOutcome{Success: false})
	h.executor.Wait()

	assert.Equal(t, StateReady, rec.State())
	assert.Zero(t, h.registry.removals(name))
	state, err := h.registry.ComputerFor(context.Background(), name)
	require.NoError(t, err)
	assert.False(t, state.AcceptingTasks)

	lc.OnTaskFinished(context.Background(), name, TaskOutcome{Success: true})
	require.Eventually(t, func() bool {
		return rec.State() == StateTerminated
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLaunchAfterTaskFinishedKeepsAcceptanceOff(t *testing.T) {
	h := newTestHarness(t)
	cfg := testPool("p")
	cfg.KeepOnFailure = true
	loop, c, name := readyWorker(t, h, cfg)
	lc := NewLifecycle(h.registry, loop, h.executor, h.events, h.clock, h.logger)

	lc.OnTaskFinished(context.Background(), name, TaskOutcome{Success: false})
	h.executor.Wait()

	proc, ok := c.Process(name)
	require.True(t, ok)
	require.NoError(t, proc.Launch(context.Background()))

	state, err := h.registry.ComputerFor(context.Background(), name)
	require.NoError(t, err)
	assert.False(t, state.AcceptingTasks, "finished worker takes no further tasks")
	assert.Equal(t, 1, h.invoker.callCount())
}

func TestTeardownNotBlockedByConnectingLaunch(t *testing.T) {
	h := newTestHarness(t)
	h.executor = NewExecutor(1, h.logger)
	t.Cleanup(h.executor.Wait)

	loop, _, ready := readyWorker(t, h, testPool("a"))
	lc := NewLifecycle(h.registry, loop, h.executor, h.events, h.clock, h.logger)

	h.invoker.mu.Lock()
	h.invoker.onInvoke = nil
	h.invoker.mu.Unlock()
	cfg := testPool("b")
	cfg.AgentTimeoutSeconds = 30
	other := h.controller(cfg)
	loop.Register(other, 1)

	planned := other.RequestProvision(context.Background(), "", 1)
	require.Len(t, planned, 1)
	connecting, ok := other.Lookup(planned[0].WorkerName)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return connecting.State() == StateWaitingForConnect
	}, 2*time.Second, 5*time.Millisecond)

	lc.OnTaskFinished(context.Background(), ready, TaskOutcome{Success: true})

	require.Eventually(t, func() bool {
		return h.registry.removals(ready) == 1
	}, time.Second, 5*time.Millisecond, "teardown waited behind a launch polling for connect")
	assert.Equal(t, StateWaitingForConnect, connecting.State())
}

func TestDeregistrationErrorsAreSwallowed(t *testing.T) {
	h := newTestHarness(t)
	loop, c, name := readyWorker(t, h, testPool("p"))
	h.registry.mu.Lock()
	h.registry.removeErr = errors.New("registry down")
	h.registry.mu.Unlock()
	lc := NewLifecycle(h.registry, loop, h.executor, h.events, h.clock, h.logger)
	rec, _ := c.Lookup(name)

	assert.NotPanics(t, func() {
		lc.OnTaskFinished(context.Background(), name, TaskOutcome{Success: true})
	})
	require.Eventually(t, func() bool {
		return rec.State() == StateTerminated
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetentionSweep(t *testing.T) {
	h := newTestHarness(t)
	fc := testclock.NewFakeClock(time.Now())
	h.clock = fc
	cfg := testPool("p")
	cfg.AgentTimeoutSeconds = 10
	loop, c, idle := readyWorker(t, h, cfg)
	lc := NewLifecycle(h.registry, loop, h.executor, h.events, fc, h.logger)

	fc.Step(time.Second)
	planned := c.RequestProvision(context.Background(), "", 1)
	require.Len(t, planned, 1)
	waitAll(t, planned)
	busy := planned[0].WorkerName
	lc.OnTaskAccepted(context.Background(), busy, "long-job")

	assert.Zero(t, lc.Sweep(context.Background()), "nothing idle yet")

	fc.Step(11 * time.Second)
	assert.Equal(t, 1, lc.Sweep(context.Background()))
	h.executor.Wait()

	rec, ok := loop.Lookup(idle)
	assert.False(t, ok, "idle worker released")
	assert.Nil(t, rec)
	busyRec, ok := loop.Lookup(busy)
	require.True(t, ok)
	assert.Equal(t, StateReady, busyRec.State())
}

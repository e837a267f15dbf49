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

func TestLaunchReady(t *testing.T) {
	h := newTestHarness(t)
	cfg := testPool("p")
	cfg.CallbackBaseURL = "https://ci.example.com/"
	c := h.controller(cfg)

	planned := c.RequestProvision(context.Background(), "", 1)
	require.Len(t, planned, 1)
	name := planned[0].WorkerName

	rec, err := planned[0].Completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, rec.State())
	assert.True(t, rec.Launched())

	require.Equal(t, 1, h.invoker.callCount())
	payload := h.invoker.calls[0]
	assert.Equal(t, "https://ci.example.com/", payload.URL)
	assert.Equal(t, name, payload.NodeName)
	assert.Equal(t, "secret-"+name, payload.NodeSecret)

	node, ok := h.registry.node(name)
	require.True(t, ok)
	assert.True(t, node.Launched, "launched flag persisted")
	assert.Equal(t, NodeType, node.Type)

	assert.Equal(t, []eventbus.EventType{eventbus.EventWorkerInvoked, eventbus.EventWorkerReady}, h.events.types(name))
}

func TestLaunchAfterReadyIsNoop(t *testing.T) {
	h := newTestHarness(t)
	c := h.controller(testPool("p"))

	planned := c.RequestProvision(context.Background(), "", 1)
	require.Len(t, planned, 1)
	waitAll(t, planned)

	proc, ok := c.Process(planned[0].WorkerName)
	require.True(t, ok)
	require.NoError(t, h.registry.SetAcceptingTasks(context.Background(), planned[0].WorkerName, false))

	require.NoError(t, proc.Launch(context.Background()))
	assert.Equal(t, 1, h.invoker.callCount(), "no second invocation")

	state, err := h.registry.ComputerFor(context.Background(), planned[0].WorkerName)
	require.NoError(t, err)
	assert.True(t, state.AcceptingTasks, "task acceptance re-enabled")
}

func TestLaunchFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *testHarness)
		wantErr error
	}{
		{
			name: "function error",
			setup: func(h *testHarness) {
				h.invoker.result = &InvokeResult{StatusCode: 200, FunctionError: "Unhandled", Payload: []byte(`{"errorMessage":"boom"}`)}
			},
			wantErr: ErrInvocation,
		},
		{
			name: "transport error",
			setup: func(h *testHarness) {
				h.invoker.err = errors.New("connection reset")
			},
			wantErr: ErrInvocation,
		},
		{
			name: "bad status",
			setup: func(h *testHarness) {
				h.invoker.result = &InvokeResult{StatusCode: 500}
			},
			wantErr: ErrInvocation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t)
			tt.setup(h)
			c := h.controller(testPool("p"))

			planned := c.RequestProvision(context.Background(), "", 1)
			require.Len(t, planned, 1)
			name := planned[0].WorkerName

			rec, err := planned[0].Completion.Wait(context.Background())
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, StateTerminated, rec.State())
			assert.ErrorIs(t, rec.Failure(), tt.wantErr)

			_, stillRegistered := h.registry.node(name)
			assert.False(t, stillRegistered)
			assert.Equal(t, 1, h.registry.removals(name))
			assert.Contains(t, h.secrets.revoked, name)

			_, tracked := c.Lookup(name)
			assert.False(t, tracked)
			assert.Contains(t, h.events.types(name), eventbus.EventWorkerFailed)

			proc := &LaunchProcess{record: rec, ctrl: c, function: "fn", completion: newCompletion()}
			assert.ErrorIs(t, proc.Launch(context.Background()), ErrAlreadyInvoked)
			assert.Equal(t, 1, h.invoker.callCount())
		})
	}
}

func TestLaunchTimeout(t *testing.T) {
	h := newTestHarness(t)
	fc := testclock.NewFakeClock(time.Now())
	h.clock = fc
	h.invoker.onInvoke = nil
	cfg := testPool("p")
	cfg.AgentTimeoutSeconds = 5
	c := h.controller(cfg)

	planned := c.RequestProvision(context.Background(), "", 1)
	require.Len(t, planned, 1)
	rec, ok := c.Lookup(planned[0].WorkerName)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return rec.State() == StateWaitingForConnect && fc.HasWaiters()
	}, 2*time.Second, 5*time.Millisecond)

	fc.Step(6 * time.Second)

	_, err := planned[0].Completion.Wait(context.Background())
	require.ErrorIs(t, err, ErrLaunchTimeout)
	assert.Equal(t, StateTerminated, rec.State())
	assert.Equal(t, 1, h.registry.removals(rec.Name))
}

func TestLaunchCancelledOnClose(t *testing.T) {
	h := newTestHarness(t)
	h.invoker.onInvoke = nil
	c := h.controller(testPool("p"))

	planned := c.RequestProvision(context.Background(), "", 1)
	require.Len(t, planned, 1)
	rec, _ := c.Lookup(planned[0].WorkerName)

	require.Eventually(t, func() bool {
		return rec.State() == StateWaitingForConnect
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	c.Close()

	_, err := planned[0].Completion.Wait(context.Background())
	require.ErrorIs(t, err, ErrLaunchCancelled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, c.RequestProvision(context.Background(), "", 1), "closed controller provisions nothing")
}

func TestLaunchNodeRemovedWhileWaiting(t *testing.T) {
	h := newTestHarness(t)
	h.invoker.onInvoke = nil
	c := h.controller(testPool("p"))

	planned := c.RequestProvision(context.Background(), "", 1)
	require.Len(t, planned, 1)
	rec, _ := c.Lookup(planned[0].WorkerName)
	require.Eventually(t, func() bool {
		return rec.State() == StateWaitingForConnect
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.registry.RemoveNode(context.Background(), rec.Name))

	_, err := planned[0].Completion.Wait(context.Background())
	assert.ErrorIs(t, err, ErrLaunchCancelled)
}

func TestLaunchRegistrationFailure(t *testing.T) {
	h := newTestHarness(t)
	h.registry.addErr = errors.New("registry down")
	c := h.controller(testPool("p"))

	planned := c.RequestProvision(context.Background(), "", 1)
	require.Len(t, planned, 1)

	_, err := planned[0].Completion.Wait(context.Background())
	assert.ErrorIs(t, err, ErrInvocation)
	assert.Zero(t, h.invoker.callCount())
}

func TestTransportFailureRebuildsInvoker(t *testing.T) {
	h := newTestHarness(t)
	builds := 0
	deps := h.deps()
	deps.InvokerFactory = func(ctx context.Context, cfg PoolConfig) (RemoteInvoker, error) {
		builds++
		return h.invoker, nil
	}
	c := NewFleetController(context.Background(), testPool("p"), deps)
	t.Cleanup(c.Close)

	h.invoker.err = errors.New("dial tcp: i/o timeout")
	waitAll(t, c.RequestProvision(context.Background(), "", 1))
	assert.Equal(t, 1, builds)

	h.invoker.err = nil
	time.Sleep(CooldownWindow)
	errs := waitAll(t, c.RequestProvision(context.Background(), "", 1))
	assert.NoError(t, errs[0])
	assert.Equal(t, 2, builds)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fleet/internal/eventbus"

	"k8s.io/utils/clock"
)

type fakeRegistry struct {
	mu          sync.Mutex
	nodes       map[string]Node
	computers   map[string]ComputerState
	removeCalls map[string]int
	accepting   map[string][]bool
	addErr      error
	removeErr   error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		nodes:       make(map[string]Node),
		computers:   make(map[string]ComputerState),
		removeCalls: make(map[string]int),
		accepting:   make(map[string][]bool),
	}
}

func (r *fakeRegistry) AddNode(ctx context.Context, node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addErr != nil {
		return r.addErr
	}
	r.nodes[node.Name] = node
	r.computers[node.Name] = ComputerState{}
	return nil
}

func (r *fakeRegistry) SaveNode(ctx context.Context, node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.Name] = node
	return nil
}

func (r *fakeRegistry) RemoveNode(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeCalls[name]++
	if r.removeErr != nil {
		return r.removeErr
	}
	if _, ok := r.nodes[name]; !ok {
		return ErrNodeNotFound
	}
	delete(r.nodes, name)
	delete(r.computers, name)
	return nil
}

func (r *fakeRegistry) ListNodes(ctx context.Context) ([]Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (r *fakeRegistry) ComputerFor(ctx context.Context, name string) (ComputerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.computers[name]
	if !ok {
		return ComputerState{}, ErrNodeNotFound
	}
	return state, nil
}

func (r *fakeRegistry) SetAcceptingTasks(ctx context.Context, name string, accepting bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepting[name] = append(r.accepting[name], accepting)
	state, ok := r.computers[name]
	if !ok {
		return ErrNodeNotFound
	}
	state.AcceptingTasks = accepting
	r.computers[name] = state
	return nil
}

func (r *fakeRegistry) markOnline(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.computers[name]; ok {
		r.computers[name] = ComputerState{Online: true, AcceptingTasks: true}
	}
}

func (r *fakeRegistry) node(name string) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	return n, ok
}

func (r *fakeRegistry) removals(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeCalls[name]
}

func (r *fakeRegistry) acceptingCalls(name string) []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.accepting[name]...)
}

type fakeInvoker struct {
	mu       sync.Mutex
	calls    []InvocationPayload
	fnRefs   []string
	result   *InvokeResult
	err      error
	block    chan struct{}
	onInvoke func(p InvocationPayload)
	reaped   []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, functionRef string, payload []byte) (*InvokeResult, error) {
	var p InvocationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.fnRefs = append(f.fnRefs, functionRef)
	block, onInvoke, result, err := f.block, f.onInvoke, f.result, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if onInvoke != nil {
		onInvoke(p)
	}
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return &InvokeResult{StatusCode: 202}, nil
}

func (f *fakeInvoker) Reap(ctx context.Context, workerName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reaped = append(f.reaped, workerName)
	return nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) invokedFunctions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fnRefs...)
}

type fakeSecrets struct {
	mu      sync.Mutex
	issued  map[string]string
	revoked []string
}

func (s *fakeSecrets) Issue(workerName string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issued == nil {
		s.issued = make(map[string]string)
	}
	secret := "secret-" + workerName
	s.issued[workerName] = secret
	return secret, nil
}

func (s *fakeSecrets) Revoke(workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = append(s.revoked, workerName)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (e *fakeEvents) Publish(ctx context.Context, workerName string, event eventbus.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *fakeEvents) types(workerName string) []eventbus.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []eventbus.EventType
	for _, ev := range e.events {
		if ev.Worker == workerName {
			out = append(out, ev.Type)
		}
	}
	return out
}

type testHarness struct {
	t        *testing.T
	registry *fakeRegistry
	invoker  *fakeInvoker
	secrets  *fakeSecrets
	events   *fakeEvents
	executor *Executor
	clock    clock.WithTicker
	logger   *slog.Logger
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &testHarness{
		t:        t,
		registry: newFakeRegistry(),
		invoker:  &fakeInvoker{},
		secrets:  &fakeSecrets{},
		events:   &fakeEvents{},
		executor: NewExecutor(16, logger),
		clock:    clock.RealClock{},
		logger:   logger,
	}
	// 默认调用后立即上线
	h.invoker.onInvoke = func(p InvocationPayload) { h.registry.markOnline(p.NodeName) }
	t.Cleanup(h.executor.Wait)
	return h
}

func (h *testHarness) deps() ControllerDeps {
	return ControllerDeps{
		Registry: h.registry,
		Secrets:  h.secrets,
		Executor: h.executor,
		Events:   h.events,
		InvokerFactory: func(ctx context.Context, cfg PoolConfig) (RemoteInvoker, error) {
			return h.invoker, nil
		},
		Clock:        h.clock,
		Logger:       h.logger,
		PollInterval: 5 * time.Millisecond,
	}
}

func (h *testHarness) controller(cfg PoolConfig) *FleetController {
	h.t.Helper()
	c := NewFleetController(context.Background(), cfg, h.deps())
	h.t.Cleanup(c.Close)
	return c
}

func testPool(id string, labels ...string) PoolConfig {
	return PoolConfig{
		PoolID:        id,
		FunctionRef:   "arn:aws:lambda:us-east-1:000000000000:function:" + id,
		LabelSelector: labels,
	}
}

func waitAll(t *testing.T, planned []PlannedLaunch) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make([]error, 0, len(planned))
	for _, pl := range planned {
		_, err := pl.Completion.Wait(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("launch %s did not complete", pl.WorkerName)
		}
		errs = append(errs, err)
	}
	return errs
}

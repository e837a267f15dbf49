package orchestrator

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

type LaunchState string

const (
	StateInvoking          LaunchState = "invoking"
	StateWaitingForConnect LaunchState = "waiting_for_connect"
	StateReady             LaunchState = "ready"
	StateRetiring          LaunchState = "retiring"
	StateFailed            LaunchState = "failed"
	StateTerminated        LaunchState = "terminated"
)

var transitions = map[LaunchState][]LaunchState{
	StateInvoking:          {StateWaitingForConnect, StateFailed},
	StateWaitingForConnect: {StateReady, StateFailed},
	StateReady:             {StateRetiring},
	StateRetiring:          {StateTerminated},
	StateFailed:            {StateTerminated},
}

// CanTransition reports whether from -> to is an edge of the launch DAG.
func CanTransition(from, to LaunchState) bool {
	return slices.Contains(transitions[from], to)
}

func (s LaunchState) inFlight() bool {
	return s == StateInvoking || s == StateWaitingForConnect
}

type WorkerRecord struct {
	Name      string
	PoolID    string
	Label     string
	CreatedAt time.Time

	agentTimeout  time.Duration
	keepOnFailure bool

	mu       sync.Mutex
	state    LaunchState
	invoked  bool
	launched bool
	taskDone bool
	readyAt  time.Time
	failure  error
}

func newWorkerRecord(name, label string, cfg PoolConfig, now time.Time) *WorkerRecord {
	return &WorkerRecord{
		Name:          name,
		PoolID:        cfg.PoolID,
		Label:         label,
		CreatedAt:     now,
		agentTimeout:  cfg.AgentTimeout(),
		keepOnFailure: cfg.KeepOnFailure,
		state:         StateInvoking,
	}
}

func (r *WorkerRecord) State() LaunchState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *WorkerRecord) Launched() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launched
}

func (r *WorkerRecord) ReadyAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyAt
}

func (r *WorkerRecord) Failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// TaskFinished reports whether the worker's one task has completed.
func (r *WorkerRecord) TaskFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskDone
}

func (r *WorkerRecord) markTaskFinished() {
	r.mu.Lock()
	r.taskDone = true
	r.mu.Unlock()
}

func (r *WorkerRecord) AgentTimeout() time.Duration {
	return r.agentTimeout
}

func (r *WorkerRecord) transition(to LaunchState, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !CanTransition(r.state, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, r.state, to, r.Name)
	}
	r.state = to
	if to == StateReady {
		r.launched = true
		r.readyAt = now
	}
	return nil
}

// claimInvocation returns true exactly once per record.
func (r *WorkerRecord) claimInvocation() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.invoked {
		return false
	}
	r.invoked = true
	return true
}

func (r *WorkerRecord) fail(err error) {
	r.mu.Lock()
	r.failure = err
	r.mu.Unlock()
}

func (r *WorkerRecord) node() Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Node{
		Name:      r.Name,
		PoolID:    r.PoolID,
		Type:      NodeType,
		Label:     r.Label,
		Launched:  r.launched,
		CreatedAt: r.CreatedAt,
	}
}

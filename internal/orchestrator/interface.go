package orchestrator

import (
	"context"
	"time"
)

type Provisioner interface {
	Name() string
	CanServe(label string) bool
	RequestProvision(ctx context.Context, label string, excess int) []PlannedLaunch
}

type Launcher interface {
	Launch(ctx context.Context) error
}

type TaskObserver interface {
	OnTaskAccepted(ctx context.Context, workerName, task string)
	OnTaskFinished(ctx context.Context, workerName string, outcome TaskOutcome)
}

type RemoteInvoker interface {
	Invoke(ctx context.Context, functionRef string, payload []byte) (*InvokeResult, error)
}

// Reaper is implemented by invokers whose workers outlive the invocation call.
type Reaper interface {
	Reap(ctx context.Context, workerName string) error
}

type FunctionLister interface {
	ListFunctions(ctx context.Context) ([]string, error)
}

type InvokerFactory func(ctx context.Context, cfg PoolConfig) (RemoteInvoker, error)

type NodeRegistry interface {
	AddNode(ctx context.Context, node Node) error
	SaveNode(ctx context.Context, node Node) error
	RemoveNode(ctx context.Context, name string) error
	ListNodes(ctx context.Context) ([]Node, error)
	// ComputerFor returns ErrNodeNotFound once the node is gone.
	ComputerFor(ctx context.Context, name string) (ComputerState, error)
	SetAcceptingTasks(ctx context.Context, name string, accepting bool) error
}

type SecretIssuer interface {
	Issue(workerName string, ttl time.Duration) (string, error)
	Revoke(workerName string)
}

type Scheduler interface {
	SuggestReview(ctx context.Context, label string) error
}

// PreProvisionListener returns a non-empty reason to veto a provisioner for a label.
type PreProvisionListener interface {
	CanProvision(ctx context.Context, p Provisioner, label string, excess int) string
}

type PostProvisionListener interface {
	OnStarted(ctx context.Context, p Provisioner, label string, planned []PlannedLaunch)
}

// WorkerIndex resolves worker names to the records of whichever controller owns them.
type WorkerIndex interface {
	Lookup(name string) (*WorkerRecord, bool)
	Workers() []*WorkerRecord
	Release(ctx context.Context, name string)
}

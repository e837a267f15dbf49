package orchestrator

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	DefaultAgentTimeoutSeconds     = 60
	DefaultMaxConcurrentExecutions = 2
	DefaultRegion                  = "us-east-1"

	// CooldownWindow is the minimum gap between two provisioning batches of one controller.
	CooldownWindow = 500 * time.Millisecond

	// NodeType tags every registry node created by this controller.
	NodeType = "fleet"
)

type ProviderType string

const (
	ProviderLambda    ProviderType = "lambda"
	ProviderContainer ProviderType = "container"
)

// FunctionRoute sends demand for any of Labels to a dedicated function.
type FunctionRoute struct {
	Ref    string
	Labels []string
}

type PoolConfig struct {
	PoolID                  string
	Provider                ProviderType
	FunctionRef             string
	Functions               []FunctionRoute
	CredentialsRef          string
	Region                  string
	LabelSelector           []string
	MaxConcurrentExecutions int
	AgentTimeoutSeconds     int
	CallbackBaseURL         string
	InvocationType          string // Event | RequestResponse
	KeepOnFailure           bool
	Priority                int
}

// withDefaults treats zero values as unset.
func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = DefaultMaxConcurrentExecutions
	}
	if c.AgentTimeoutSeconds <= 0 {
		c.AgentTimeoutSeconds = DefaultAgentTimeoutSeconds
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.Provider == "" {
		c.Provider = ProviderLambda
	}
	c.LabelSelector = slices.Clone(c.LabelSelector)
	c.Functions = slices.Clone(c.Functions)
	return c
}

func (c PoolConfig) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}

// PoolUpdate carries the operator-editable fields. Nil fields are left untouched.
type PoolUpdate struct {
	LabelSelector       *[]string
	AgentTimeoutSeconds *int
	CallbackBaseURL     *string
}

type DemandSnapshot struct {
	Label               string `json:"label"`
	QueueLength         int    `json:"queue_length"`
	AvailableExecutors  int    `json:"available_executors"`
	ConnectingExecutors int    `json:"connecting_executors"`
	PlannedCapacity     int    `json:"planned_capacity"`
}

func (s DemandSnapshot) Excess() int {
	return s.QueueLength - s.AvailableExecutors - s.ConnectingExecutors - s.PlannedCapacity
}

// labelAtoms splits a label expression into its tags.
func labelAtoms(label string) []string {
	return strings.FieldsFunc(label, func(r rune) bool {
		return r == ' ' || r == ',' || r == '&' || r == '|'
	})
}

func intersects(label string, selector []string) bool {
	for _, atom := range labelAtoms(label) {
		if slices.Contains(selector, atom) {
			return true
		}
	}
	return false
}

// Node is the registry's view of a worker.
type Node struct {
	Name      string    `json:"name"`
	PoolID    string    `json:"pool_id"`
	Type      string    `json:"type"`
	Label     string    `json:"label"`
	Launched  bool      `json:"launched"`
	CreatedAt time.Time `json:"created_at"`
}

type ComputerState struct {
	Online         bool `json:"online"`
	AcceptingTasks bool `json:"accepting_tasks"`
}

type InvokeResult struct {
	StatusCode    int
	FunctionError string
	Payload       []byte
	LogTail       string
}

// InvocationPayload is the body handed to the remote function.
type InvocationPayload struct {
	URL        string `json:"url"`
	NodeSecret string `json:"node_secret"`
	NodeName   string `json:"node_name"`
}

type TaskOutcome struct {
	Task     string
	Success  bool
	Duration time.Duration
	Err      error
}

type PlannedLaunch struct {
	WorkerName   string
	NumExecutors int
	Completion   *Completion
}

// Completion resolves once a launch reaches Ready or Failed.
type Completion struct {
	once   sync.Once
	done   chan struct{}
	record *WorkerRecord
	err    error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(record *WorkerRecord, err error) {
	c.once.Do(func() {
		c.record = record
		c.err = err
		close(c.done)
	})
}

func (c *Completion) Done() <-chan struct{} {
	return c.done
}

func (c *Completion) Wait(ctx context.Context) (*WorkerRecord, error) {
	select {
	case <-c.done:
		return c.record, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

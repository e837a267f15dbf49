package registry

import (
	"context"
	"slices"
	"sync"
	"time"

	"fleet/internal/orchestrator"
)

var _ orchestrator.NodeRegistry = (*Memory)(nil)

// Memory is a process-local registry for single-instance deployments and tests.
type Memory struct {
	mu        sync.RWMutex
	nodes     map[string]orchestrator.Node
	computers map[string]orchestrator.ComputerState
}

func NewMemory() *Memory {
	return &Memory{
		nodes:     make(map[string]orchestrator.Node),
		computers: make(map[string]orchestrator.ComputerState),
	}
}

func (m *Memory) AddNode(ctx context.Context, node orchestrator.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	m.nodes[node.Name] = node
	m.computers[node.Name] = orchestrator.ComputerState{}
	return nil
}

func (m *Memory) SaveNode(ctx context.Context, node orchestrator.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.computers[node.Name]; !ok {
		m.computers[node.Name] = orchestrator.ComputerState{}
	}
	m.nodes[node.Name] = node
	return nil
}

func (m *Memory) RemoveNode(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[name]; !ok {
		return orchestrator.ErrNodeNotFound
	}
	delete(m.nodes, name)
	delete(m.computers, name)
	return nil
}

func (m *Memory) ListNodes(ctx context.Context) ([]orchestrator.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]orchestrator.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b orchestrator.Node) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return nodes, nil
}

func (m *Memory) GetNode(ctx context.Context, name string) (orchestrator.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[name]
	if !ok {
		return orchestrator.Node{}, orchestrator.ErrNodeNotFound
	}
	return n, nil
}

func (m *Memory) ComputerFor(ctx context.Context, name string) (orchestrator.ComputerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.computers[name]
	if !ok {
		return orchestrator.ComputerState{}, orchestrator.ErrNodeNotFound
	}
	return state, nil
}

func (m *Memory) SetAcceptingTasks(ctx context.Context, name string, accepting bool) error {
	return m.update(name, func(s *orchestrator.ComputerState) { s.AcceptingTasks = accepting })
}

func (m *Memory) MarkOnline(ctx context.Context, name string) error {
	return m.update(name, func(s *orchestrator.ComputerState) {
		s.Online = true
		s.AcceptingTasks = true
	})
}

func (m *Memory) MarkOffline(ctx context.Context, name string) error {
	return m.update(name, func(s *orchestrator.ComputerState) { s.Online = false })
}

func (m *Memory) update(name string, fn func(s *orchestrator.ComputerState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.computers[name]
	if !ok {
		return orchestrator.ErrNodeNotFound
	}
	fn(&state)
	m.computers[name] = state
	return nil
}

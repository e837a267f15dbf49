package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"fleet/internal/demand"
	"fleet/internal/eventbus"
	"fleet/internal/orchestrator"
)

var (
	ErrPoolNotFound   = errors.New("pool not found")
	ErrWorkerNotFound = errors.New("worker not found")
	ErrBadSecret      = errors.New("node secret rejected")
	ErrNotSupported   = errors.New("not supported by this provider")
)

// NodeDirectory is the part of the registry the API needs beyond the orchestrator contract.
type NodeDirectory interface {
	ListNodes(ctx context.Context) ([]orchestrator.Node, error)
	ComputerFor(ctx context.Context, name string) (orchestrator.ComputerState, error)
	MarkOnline(ctx context.Context, name string) error
}

type SecretRedeemer interface {
	Redeem(workerName, secret string) bool
}

// Service coordinates the provisioning loop, the worker lifecycle and the demand store.
type Service struct {
	Loop      *orchestrator.ProvisioningLoop
	Lifecycle *orchestrator.Lifecycle
	Nodes     NodeDirectory
	Secrets   SecretRedeemer
	Demand    demand.Store
	Bus       eventbus.EventBus
	Logger    *slog.Logger
}

func NewService(
	loop *orchestrator.ProvisioningLoop,
	lifecycle *orchestrator.Lifecycle,
	nodes NodeDirectory,
	secrets SecretRedeemer,
	store demand.Store,
	bus eventbus.EventBus,
	logger *slog.Logger,
) *Service {
	return &Service{
		Loop:      loop,
		Lifecycle: lifecycle,
		Nodes:     nodes,
		Secrets:   secrets,
		Demand:    store,
		Bus:       bus,
		Logger:    logger.With("component", "service"),
	}
}

// SubmitDemand records the latest snapshot for its label. With wait set it ticks the loop
// right away and blocks until every planned launch settles; otherwise it only nudges a review.
func (s *Service) SubmitDemand(ctx context.Context, snap orchestrator.DemandSnapshot, wait bool) (orchestrator.TickResult, error) {
	if err := s.Demand.Put(ctx, snap); err != nil {
		return orchestrator.TickResult{}, fmt.Errorf("store demand: %w", err)
	}

	if !wait {
		if snap.Excess() > 0 {
			s.Loop.OnEnterBuildable(ctx, snap.Label)
		}
		return orchestrator.TickResult{Label: snap.Label, Excess: snap.Excess()}, nil
	}

	res := s.Loop.Tick(ctx, snap, snap.Label)
	if len(res.Planned) > 0 {
		if _, err := s.Demand.Consume(ctx, snap); err != nil {
			s.Logger.Warn("Failed to consume demand snapshot", "label", snap.Label, "error", err)
		}
	}
	return res.Settle(ctx), nil
}

// ConnectWorker redeems the one-time secret and marks the worker's computer online.
func (s *Service) ConnectWorker(ctx context.Context, name, secret string) error {
	if !s.Secrets.Redeem(name, secret) {
		return ErrBadSecret
	}
	if err := s.Nodes.MarkOnline(ctx, name); err != nil {
		if errors.Is(err, orchestrator.ErrNodeNotFound) {
			return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
		}
		return err
	}
	s.Logger.Info("Worker connected", "worker", name)
	return nil
}

func (s *Service) TaskAccepted(ctx context.Context, name, task string) error {
	if _, ok := s.Loop.Lookup(name); !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	s.Lifecycle.OnTaskAccepted(ctx, name, task)
	return nil
}

func (s *Service) TaskFinished(ctx context.Context, name string, outcome orchestrator.TaskOutcome) error {
	if _, ok := s.Loop.Lookup(name); !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	s.Lifecycle.OnTaskFinished(ctx, name, outcome)
	return nil
}

type NodeView struct {
	orchestrator.Node
	orchestrator.ComputerState
	State string `json:"state,omitempty"`
}

func (s *Service) ListNodes(ctx context.Context) ([]NodeView, error) {
	nodes, err := s.Nodes.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		view := NodeView{Node: n}
		if state, err := s.Nodes.ComputerFor(ctx, n.Name); err == nil {
			view.ComputerState = state
		}
		if rec, ok := s.Loop.Lookup(n.Name); ok {
			view.State = string(rec.State())
		}
		out = append(out, view)
	}
	return out, nil
}

type PoolView struct {
	Config         orchestrator.PoolConfig
	Degraded       string
	StillLaunching int
	Skipped        int64
	Workers        int
}

func (s *Service) ListPools() []PoolView {
	var out []PoolView
	for _, p := range s.Loop.Provisioners() {
		if c, ok := p.(*orchestrator.FleetController); ok {
			out = append(out, poolView(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.PoolID < out[j].Config.PoolID })
	return out
}

func poolView(c *orchestrator.FleetController) PoolView {
	v := PoolView{
		Config:         c.Config(),
		StillLaunching: c.StillLaunching(),
		Skipped:        c.Skipped(),
		Workers:        len(c.Workers()),
	}
	if err := c.Err(); err != nil {
		v.Degraded = err.Error()
	}
	return v
}

func (s *Service) controller(id string) (*orchestrator.FleetController, error) {
	p, ok := s.Loop.Provisioner(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	c, ok := p.(*orchestrator.FleetController)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	return c, nil
}

func (s *Service) UpdatePool(id string, update orchestrator.PoolUpdate) (PoolView, error) {
	c, err := s.controller(id)
	if err != nil {
		return PoolView{}, err
	}
	if err := c.Reconfigure(update); err != nil {
		return PoolView{}, err
	}
	return poolView(c), nil
}

// RefreshPool rebuilds the pool's invoker, e.g. after rotating credentials.
func (s *Service) RefreshPool(id string) (PoolView, error) {
	c, err := s.controller(id)
	if err != nil {
		return PoolView{}, err
	}
	if err := c.InvalidateInvoker(); err != nil {
		return PoolView{}, err
	}
	return poolView(c), nil
}

func (s *Service) ListFunctions(ctx context.Context, id string) ([]string, error) {
	c, err := s.controller(id)
	if err != nil {
		return nil, err
	}
	lister, ok := c.Invoker().(orchestrator.FunctionLister)
	if !ok {
		return nil, ErrNotSupported
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return lister.ListFunctions(ctx)
}

func (s *Service) SetQuietingDown(quieting bool) {
	s.Loop.SetQuietingDown(quieting)
	s.Logger.Info("Quiet-down toggled", "quieting_down", quieting)
}

// StreamEvents subscribes to one worker's log, or to the whole fleet when name is empty.
func (s *Service) StreamEvents(ctx context.Context, name string) (<-chan eventbus.Event, error) {
	if s.Bus == nil {
		return nil, ErrNotSupported
	}
	return s.Bus.Subscribe(ctx, name)
}

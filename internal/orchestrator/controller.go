package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"fleet/internal/eventbus"
	"fleet/internal/monitor"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

var _ Provisioner = (*FleetController)(nil)

const DefaultPollInterval = time.Second

type ControllerDeps struct {
	Registry       NodeRegistry
	Secrets        SecretIssuer
	Executor       *Executor
	Events         eventbus.Publisher
	InvokerFactory InvokerFactory
	Clock          clock.WithTicker
	Logger         *slog.Logger
	PollInterval   time.Duration
}

type FleetController struct {
	mu            sync.Mutex
	cfg           PoolConfig
	deps          ControllerDeps
	logger        *slog.Logger
	invoker       RemoteInvoker
	invokerStale  bool
	configErr     error
	invokeSem     chan struct{}
	lastProvision time.Time
	skipped       int64
	workers       map[string]*WorkerRecord
	processes     map[string]*LaunchProcess

	ctx    context.Context
	cancel context.CancelFunc
}

// NewFleetController never fails. A bad config or invoker leaves the controller
// degraded: it keeps answering CanServe but provisions nothing.
func NewFleetController(ctx context.Context, cfg PoolConfig, deps ControllerDeps) *FleetController {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = DefaultPollInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	c := &FleetController{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With("component", "fleet-controller", "pool", cfg.PoolID),
		invokeSem: make(chan struct{}, cfg.MaxConcurrentExecutions),
		workers:   make(map[string]*WorkerRecord),
		processes: make(map[string]*LaunchProcess),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := validate(cfg); err != nil {
		c.degrade(err)
		return c
	}

	c.mu.Lock()
	c.buildInvokerLocked()
	c.mu.Unlock()
	return c
}

func validate(cfg PoolConfig) error {
	if cfg.PoolID == "" {
		return fmt.Errorf("%w: pool id is required", ErrConfig)
	}
	if cfg.FunctionRef == "" && len(cfg.Functions) == 0 {
		return fmt.Errorf("%w: pool %s has no function", ErrConfig, cfg.PoolID)
	}
	for _, fn := range cfg.Functions {
		if fn.Ref == "" {
			return fmt.Errorf("%w: pool %s has a function route without ref", ErrConfig, cfg.PoolID)
		}
	}
	switch cfg.InvocationType {
	case "", "Event", "RequestResponse":
	default:
		return fmt.Errorf("%w: unknown invocation type %q", ErrConfig, cfg.InvocationType)
	}
	return nil
}

func (c *FleetController) degrade(err error) {
	c.configErr = err
	monitor.ControllerDegraded.WithLabelValues(c.cfg.PoolID).Set(1)
	c.logger.Error("Fleet controller degraded, provisioning disabled", "error", err)
}

func (c *FleetController) buildInvokerLocked() {
	if c.deps.InvokerFactory == nil {
		c.degrade(fmt.Errorf("%w: no invoker factory", ErrConfig))
		return
	}
	inv, err := c.deps.InvokerFactory(c.ctx, c.cfg)
	if err != nil {
		c.invoker = nil
		c.degrade(fmt.Errorf("%w: %v", ErrConfig, err))
		return
	}
	c.invoker = inv
	c.invokerStale = false
	c.configErr = nil
	monitor.ControllerDegraded.WithLabelValues(c.cfg.PoolID).Set(0)
}

func (c *FleetController) Name() string {
	return c.cfg.PoolID
}

func (c *FleetController) Config() PoolConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.withDefaults()
}

// Err returns the reason the controller is degraded, if any.
func (c *FleetController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configErr
}

func (c *FleetController) Invoker() RemoteInvoker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invoker
}

func (c *FleetController) CanServe(label string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canServeLocked(label)
}

func (c *FleetController) canServeLocked(label string) bool {
	if strings.TrimSpace(label) == "" {
		return true
	}
	if intersects(label, c.cfg.LabelSelector) {
		return true
	}
	for _, fn := range c.cfg.Functions {
		if intersects(label, fn.Labels) {
			return true
		}
	}
	return false
}

func (c *FleetController) RequestProvision(ctx context.Context, label string, excess int) []PlannedLaunch {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canServeLocked(label) {
		return nil
	}

	if c.ctx.Err() != nil {
		return nil
	}

	if c.invokerStale && c.configErr == nil {
		c.logger.Info("Rebuilding invoker after transport failure")
		c.buildInvokerLocked()
	}
	if c.configErr != nil {
		c.logger.Debug("Skipping provision on degraded controller", "label", label)
		return nil
	}

	now := c.deps.Clock.Now()
	if !c.lastProvision.IsZero() && now.Sub(c.lastProvision) < CooldownWindow {
		c.skipped++
		monitor.ProvisionSkippedTotal.WithLabelValues(c.cfg.PoolID).Inc()
		c.logger.Info("Provision request within cooldown, skipping",
			"label", label, "since_last", now.Sub(c.lastProvision))
		return nil
	}

	stillLaunching := c.stillLaunchingLocked()
	toLaunch := max(excess-stillLaunching, 0)
	c.lastProvision = now
	monitor.ProvisionRequestsTotal.WithLabelValues(c.cfg.PoolID).Inc()

	c.logger.Info("Provisioning workers",
		"label", label, "excess", excess, "still_launching", stillLaunching, "to_launch", toLaunch)

	planned := make([]PlannedLaunch, 0, toLaunch)
	for range toLaunch {
		name := c.uniqueNameLocked(label)
		record := newWorkerRecord(name, label, c.cfg, now)
		proc := &LaunchProcess{
			record:     record,
			ctrl:       c,
			function:   c.functionFor(label),
			completion: newCompletion(),
		}
		c.workers[name] = record
		c.processes[name] = proc

		c.deps.Executor.Submit(c.ctx, "launch:"+name, proc.Launch)
		planned = append(planned, PlannedLaunch{
			WorkerName:   name,
			NumExecutors: 1,
			Completion:   proc.completion,
		})
	}

	monitor.WorkersInFlight.WithLabelValues(c.cfg.PoolID).Set(float64(c.stillLaunchingLocked()))
	return planned
}

// StillLaunching counts records in Invoking or WaitingForConnect.
func (c *FleetController) StillLaunching() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stillLaunchingLocked()
}

func (c *FleetController) stillLaunchingLocked() int {
	n := 0
	for _, r := range c.workers {
		if r.State().inFlight() {
			n++
		}
	}
	return n
}

func (c *FleetController) Skipped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipped
}

// functionFor picks the first route whose labels match, falling back to FunctionRef.
func (c *FleetController) functionFor(label string) string {
	for _, fn := range c.cfg.Functions {
		if label == "" || intersects(label, fn.Labels) {
			return fn.Ref
		}
	}
	if c.cfg.FunctionRef != "" {
		return c.cfg.FunctionRef
	}
	return c.cfg.Functions[0].Ref
}

func (c *FleetController) uniqueNameLocked(label string) string {
	base := sanitizeName(label)
	if base == "" {
		base = sanitizeName(c.cfg.PoolID)
	}
	for {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		name := fmt.Sprintf("%s.%s-%s", base, c.cfg.Provider, suffix)
		if _, taken := c.workers[name]; !taken {
			return name
		}
	}
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Reconfigure hot-swaps the editable fields. In-flight launches keep the values they started with.
func (c *FleetController) Reconfigure(update PoolUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if update.AgentTimeoutSeconds != nil && *update.AgentTimeoutSeconds < 0 {
		return fmt.Errorf("%w: negative agent timeout", ErrConfig)
	}
	if update.LabelSelector != nil {
		c.cfg.LabelSelector = slices.Clone(*update.LabelSelector)
	}
	if update.AgentTimeoutSeconds != nil {
		c.cfg.AgentTimeoutSeconds = *update.AgentTimeoutSeconds
	}
	if update.CallbackBaseURL != nil {
		c.cfg.CallbackBaseURL = *update.CallbackBaseURL
	}
	c.cfg = c.cfg.withDefaults()

	c.logger.Info("Pool reconfigured",
		"labels", c.cfg.LabelSelector, "agent_timeout", c.cfg.AgentTimeoutSeconds)
	return nil
}

// InvalidateInvoker rebuilds the transport now.
func (c *FleetController) InvalidateInvoker() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := validate(c.cfg); err != nil {
		return err
	}
	c.buildInvokerLocked()
	return c.configErr
}

func (c *FleetController) markInvokerStale() {
	c.mu.Lock()
	c.invokerStale = true
	c.mu.Unlock()
}

func (c *FleetController) Lookup(name string) (*WorkerRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.workers[name]
	return r, ok
}

func (c *FleetController) Process(name string) (*LaunchProcess, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.processes[name]
	return p, ok
}

func (c *FleetController) Workers() []*WorkerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*WorkerRecord, 0, len(c.workers))
	for _, r := range c.workers {
		out = append(out, r)
	}
	return out
}

// Release reaps the worker's remote resources and forgets the record.
func (c *FleetController) Release(ctx context.Context, name string) {
	c.mu.Lock()
	inv := c.invoker
	_, owned := c.workers[name]
	delete(c.workers, name)
	delete(c.processes, name)
	inFlight := c.stillLaunchingLocked()
	c.mu.Unlock()

	if !owned {
		return
	}
	monitor.WorkersInFlight.WithLabelValues(c.cfg.PoolID).Set(float64(inFlight))

	if reaper, ok := inv.(Reaper); ok {
		if err := reaper.Reap(ctx, name); err != nil {
			c.logger.Warn("Failed to reap worker", "worker", name, "error", err)
		}
	}
}

// Close cancels every in-flight launch of this controller.
func (c *FleetController) Close() {
	c.cancel()
}

func (c *FleetController) publish(ctx context.Context, event eventbus.Event) {
	if c.deps.Events == nil {
		return
	}
	event.Pool = c.cfg.PoolID
	event.Timestamp = c.deps.Clock.Now()
	if err := c.deps.Events.Publish(ctx, event.Worker, event); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Failed to publish event", "type", event.Type, "worker", event.Worker, "error", err)
	}
}

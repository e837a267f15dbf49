package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"fleet/internal/monitor"
)

var _ WorkerIndex = (*ProvisioningLoop)(nil)

type Decision int

const (
	Unsatisfied Decision = iota
	Satisfied
)

func (d Decision) String() string {
	if d == Satisfied {
		return "satisfied"
	}
	return "unsatisfied"
}

type TickResult struct {
	Decision Decision
	Label    string
	// Excess is the demand left after subtracting granted executors.
	Excess  int
	Planned []PlannedLaunch
}

// Settle waits for every planned launch and credits failed ones back to Excess.
func (r TickResult) Settle(ctx context.Context) TickResult {
	settled := r
	for _, pl := range r.Planned {
		if _, err := pl.Completion.Wait(ctx); err != nil {
			settled.Excess += pl.NumExecutors
		}
	}
	settled.Decision = decide(settled.Excess)
	return settled
}

func decide(excess int) Decision {
	if excess <= 0 {
		return Satisfied
	}
	return Unsatisfied
}

type registration struct {
	p        Provisioner
	priority int
	seq      int
}

// ProvisioningLoop holds no lock across a tick; rate limiting belongs to each controller.
type ProvisioningLoop struct {
	mu        sync.RWMutex
	entries   []registration
	seq       int
	pre       []PreProvisionListener
	post      []PostProvisionListener
	scheduler Scheduler

	disabled atomic.Bool
	quieting atomic.Bool
	logger   *slog.Logger
}

func NewProvisioningLoop(logger *slog.Logger) *ProvisioningLoop {
	return &ProvisioningLoop{
		logger: logger.With("component", "provisioning-loop"),
	}
}

// Register adds p. Lower priority values are asked first; ties keep registration order.
func (l *ProvisioningLoop) Register(p Provisioner, priority int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.entries = append(l.entries, registration{p: p, priority: priority, seq: l.seq})
	sort.SliceStable(l.entries, func(i, j int) bool {
		if l.entries[i].priority != l.entries[j].priority {
			return l.entries[i].priority < l.entries[j].priority
		}
		return l.entries[i].seq < l.entries[j].seq
	})
}

// Unregister removes the provisioner and closes it, cancelling its in-flight launches.
func (l *ProvisioningLoop) Unregister(name string) Provisioner {
	l.mu.Lock()
	var removed Provisioner
	for i, e := range l.entries {
		if e.p.Name() == name {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			removed = e.p
			break
		}
	}
	l.mu.Unlock()

	if c, ok := removed.(interface{ Close() }); ok {
		c.Close()
	}
	return removed
}

func (l *ProvisioningLoop) Provisioners() []Provisioner {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Provisioner, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.p)
	}
	return out
}

func (l *ProvisioningLoop) Provisioner(name string) (Provisioner, bool) {
	for _, p := range l.Provisioners() {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

func (l *ProvisioningLoop) AddPreProvisionListener(pl PreProvisionListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pre = append(l.pre, pl)
}

func (l *ProvisioningLoop) AddPostProvisionListener(pl PostProvisionListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.post = append(l.post, pl)
}

func (l *ProvisioningLoop) SetScheduler(s Scheduler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scheduler = s
}

func (l *ProvisioningLoop) SetDisabled(disabled bool) {
	l.disabled.Store(disabled)
}

// SetQuietingDown stops new provisioning while the orchestrator drains.
func (l *ProvisioningLoop) SetQuietingDown(quieting bool) {
	l.quieting.Store(quieting)
}

func (l *ProvisioningLoop) Tick(ctx context.Context, snap DemandSnapshot, label string) TickResult {
	excess := snap.Excess()
	result := TickResult{Label: label, Excess: excess}

	if excess <= 0 {
		result.Decision = Satisfied
		monitor.TickDecisionsTotal.WithLabelValues(result.Decision.String()).Inc()
		return result
	}

	if l.disabled.Load() || l.quieting.Load() {
		l.logger.Debug("Provisioning paused", "label", label,
			"disabled", l.disabled.Load(), "quieting_down", l.quieting.Load())
		monitor.TickDecisionsTotal.WithLabelValues(Unsatisfied.String()).Inc()
		return result
	}

	l.mu.RLock()
	entries := append([]registration(nil), l.entries...)
	pre := append([]PreProvisionListener(nil), l.pre...)
	post := append([]PostProvisionListener(nil), l.post...)
	l.mu.RUnlock()

	for _, e := range entries {
		if excess <= 0 {
			break
		}
		p := e.p
		if !p.CanServe(label) {
			continue
		}
		if reason := l.vetoed(ctx, pre, p, label, excess); reason != "" {
			l.logger.Info("Provisioner vetoed", "provisioner", p.Name(), "label", label, "reason", reason)
			continue
		}

		planned := p.RequestProvision(ctx, label, excess)
		l.fireStarted(ctx, post, p, label, planned)

		for _, pl := range planned {
			excess -= pl.NumExecutors
		}
		result.Planned = append(result.Planned, planned...)
	}

	result.Excess = excess
	result.Decision = decide(excess)
	monitor.TickDecisionsTotal.WithLabelValues(result.Decision.String()).Inc()
	l.logger.Debug("Tick finished", "label", label,
		"decision", result.Decision, "planned", len(result.Planned), "excess", excess)
	return result
}

func (l *ProvisioningLoop) vetoed(ctx context.Context, pre []PreProvisionListener, p Provisioner, label string, excess int) (reason string) {
	for _, pl := range pre {
		func() {
			defer func() {
				if r := recover(); r != nil {
					monitor.ListenerPanicsTotal.Inc()
					l.logger.Error("Pre-provision listener panicked", "provisioner", p.Name(), "panic", r)
				}
			}()
			if reason == "" {
				reason = pl.CanProvision(ctx, p, label, excess)
			}
		}()
		if reason != "" {
			return reason
		}
	}
	return ""
}

func (l *ProvisioningLoop) fireStarted(ctx context.Context, post []PostProvisionListener, p Provisioner, label string, planned []PlannedLaunch) {
	for _, pl := range post {
		func() {
			defer func() {
				if r := recover(); r != nil {
					monitor.ListenerPanicsTotal.Inc()
					l.logger.Error("Post-provision listener panicked", "provisioner", p.Name(), "panic", r)
				}
			}()
			pl.OnStarted(ctx, p, label, planned)
		}()
	}
}

// OnEnterBuildable nudges the scheduler to review label now instead of on its next poll.
func (l *ProvisioningLoop) OnEnterBuildable(ctx context.Context, label string) {
	if l.disabled.Load() || l.quieting.Load() {
		return
	}

	l.mu.RLock()
	s := l.scheduler
	entries := append([]registration(nil), l.entries...)
	l.mu.RUnlock()

	if s == nil {
		return
	}
	for _, e := range entries {
		if !e.p.CanServe(label) {
			continue
		}
		if err := s.SuggestReview(ctx, label); err != nil {
			l.logger.Warn("Failed to suggest review", "label", label, "error", err)
		}
		return
	}
}

type workerOwner interface {
	Lookup(name string) (*WorkerRecord, bool)
	Workers() []*WorkerRecord
	Release(ctx context.Context, name string)
}

func (l *ProvisioningLoop) owners() []workerOwner {
	var out []workerOwner
	for _, p := range l.Provisioners() {
		if o, ok := p.(workerOwner); ok {
			out = append(out, o)
		}
	}
	return out
}

func (l *ProvisioningLoop) Lookup(name string) (*WorkerRecord, bool) {
	for _, o := range l.owners() {
		if r, ok := o.Lookup(name); ok {
			return r, true
		}
	}
	return nil, false
}

func (l *ProvisioningLoop) Workers() []*WorkerRecord {
	var out []*WorkerRecord
	for _, o := range l.owners() {
		out = append(out, o.Workers()...)
	}
	return out
}

func (l *ProvisioningLoop) Release(ctx context.Context, name string) {
	for _, o := range l.owners() {
		if _, ok := o.Lookup(name); ok {
			o.Release(ctx, name)
			return
		}
	}
}

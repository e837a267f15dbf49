package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"fleet/internal/monitor"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// BootstrapReconciler clears every fleet node left behind by a previous process.
type BootstrapReconciler struct {
	registry    NodeRegistry
	reapers     []Reaper
	parallelism int
	logger      *slog.Logger
}

func NewBootstrapReconciler(registry NodeRegistry, logger *slog.Logger, reapers ...Reaper) *BootstrapReconciler {
	return &BootstrapReconciler{
		registry:    registry,
		reapers:     reapers,
		parallelism: 8,
		logger:      logger.With("component", "bootstrap-reconciler"),
	}
}

// Reconcile returns how many nodes were removed and every failure it met.
// Callers log the error; it must not stop startup.
func (r *BootstrapReconciler) Reconcile(ctx context.Context) (int, error) {
	nodes, err := r.registry.ListNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list nodes: %v", ErrDeregistration, err)
	}

	var (
		mu         sync.Mutex
		errs       error
		terminated int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, node := range nodes {
		if node.Type != NodeType {
			continue
		}
		g.Go(func() error {
			err := r.terminate(gctx, node)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return nil
			}
			terminated++
			return nil
		})
	}
	_ = g.Wait()

	monitor.WorkersTerminatedTotal.WithLabelValues("bootstrap").Add(float64(terminated))
	if errs != nil {
		r.logger.Error("Bootstrap reconcile finished with errors",
			"terminated", terminated, "failed", len(multierr.Errors(errs)), "error", errs)
	} else {
		r.logger.Info("Bootstrap reconcile finished", "terminated", terminated)
	}
	return terminated, errs
}

func (r *BootstrapReconciler) terminate(ctx context.Context, node Node) error {
	for _, reaper := range r.reapers {
		if err := reaper.Reap(ctx, node.Name); err != nil {
			r.logger.Warn("Failed to reap stale worker", "worker", node.Name, "error", err)
		}
	}
	if err := r.registry.RemoveNode(ctx, node.Name); err != nil && !errors.Is(err, ErrNodeNotFound) {
		return fmt.Errorf("%w: %s: %v", ErrDeregistration, node.Name, err)
	}
	r.logger.Info("Removed stale worker", "worker", node.Name, "pool", node.PoolID, "launched", node.Launched)
	return nil
}

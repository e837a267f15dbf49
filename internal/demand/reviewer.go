package demand

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// Reviewer is the periodic demand poll. Nudges only shorten the wait between its rounds.
type Reviewer struct {
	store   Store
	handler *Handler
	clock   clock.WithTicker
	logger  *slog.Logger
}

func NewReviewer(store Store, handler *Handler, clk clock.WithTicker, logger *slog.Logger) *Reviewer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Reviewer{
		store:   store,
		handler: handler,
		clock:   clk,
		logger:  logger.With("component", "demand-reviewer"),
	}
}

func (r *Reviewer) ReviewAll(ctx context.Context) {
	labels, err := r.store.Labels(ctx)
	if err != nil {
		r.logger.Error("Failed to list demand labels", "error", err)
		return
	}

	for _, label := range labels {
		if err := r.handler.Review(ctx, label); err != nil {
			r.logger.Warn("Review failed", "label", label, "error", err)
		}
	}
}

// Start blocks until ctx ends.
func (r *Reviewer) Start(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Demand reviewer started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Demand reviewer stopped")
			return
		case <-ticker.C():
			r.ReviewAll(ctx)
		}
	}
}

package demand

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

type Handler struct {
	store  Store
	loop   Loop
	logger *slog.Logger
}

func NewHandler(store Store, loop Loop, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		loop:   loop,
		logger: logger.With("component", "demand-handler"),
	}
}

// HandleReview ticks the loop with the latest stored snapshot for the task's label.
func (h *Handler) HandleReview(ctx context.Context, task *asynq.Task) error {
	var payload ReviewPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		h.logger.Error("Failed to unmarshal payload", "error", err)
		return fmt.Errorf("json unmarshal error: %w: %w", err, asynq.SkipRetry)
	}

	return h.Review(ctx, payload.Label)
}

func (h *Handler) Review(ctx context.Context, label string) error {
	snap, found, err := h.store.Get(ctx, label)
	if err != nil {
		return fmt.Errorf("load demand for %q: %w", label, err)
	}
	if !found {
		h.logger.Debug("No demand recorded", "label", label)
		if err := h.store.Forget(ctx, label); err != nil {
			h.logger.Warn("Failed to forget label", "label", label, "error", err)
		}
		return nil
	}
	snap.Label = label

	res := h.loop.Tick(ctx, snap, label)
	h.logger.Info("Demand reviewed", "label", label,
		"decision", res.Decision, "planned", len(res.Planned), "excess", res.Excess)

	// 已按此快照规划过启动，后续 review 需要新的快照
	if len(res.Planned) > 0 {
		if _, err := h.store.Consume(ctx, snap); err != nil {
			h.logger.Warn("Failed to consume demand snapshot", "label", label, "error", err)
		}
	}
	return nil
}

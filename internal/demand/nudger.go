package demand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"fleet/internal/orchestrator"

	"github.com/hibiken/asynq"
)

var _ orchestrator.Scheduler = (*Nudger)(nil)

// Nudger enqueues a review task so a worker ticks the label without waiting for the next poll.
type Nudger struct {
	client *asynq.Client
	logger *slog.Logger
}

func NewNudger(client *asynq.Client, logger *slog.Logger) *Nudger {
	return &Nudger{
		client: client,
		logger: logger.With("component", "demand-nudger"),
	}
}

func NewReviewTask(label string) (*asynq.Task, error) {
	payload, err := json.Marshal(ReviewPayload{Label: label})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReview, payload), nil
}

func (n *Nudger) SuggestReview(ctx context.Context, label string) error {
	task, err := NewReviewTask(label)
	if err != nil {
		return fmt.Errorf("failed to build review task: %w", err)
	}

	info, err := n.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.Unique(reviewUniqueTTL),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		n.logger.Debug("Review already pending", "label", label)
		return nil
	}
	if err != nil {
		return err
	}

	n.logger.Debug("Review enqueued", "label", label, "task_id", info.ID)
	return nil
}

package demand

import (
	"context"
	"time"

	"fleet/internal/orchestrator"
)

const (
	TypeReview = "fleet:review"
	QueueName  = "fleet"

	// reviewUniqueTTL collapses bursts of queue-entered events into one review per label.
	reviewUniqueTTL = time.Second

	snapshotTTL = 10 * time.Minute
)

type ReviewPayload struct {
	Label string `json:"label"`
}

type Store interface {
	Put(ctx context.Context, snap orchestrator.DemandSnapshot) error
	Get(ctx context.Context, label string) (orchestrator.DemandSnapshot, bool, error)
	Labels(ctx context.Context) ([]string, error)
	Forget(ctx context.Context, label string) error
	// Consume drops snap once it has been acted on. A newer snapshot stored
	// for the same label in the meantime is left alone.
	Consume(ctx context.Context, snap orchestrator.DemandSnapshot) (bool, error)
}

type Loop interface {
	Tick(ctx context.Context, snap orchestrator.DemandSnapshot, label string) orchestrator.TickResult
}

package eventbus

import "context"

type Publisher interface {
	Publish(ctx context.Context, workerName string, event Event) error
}

type EventBus interface {
	Publisher
	Subscribe(ctx context.Context, workerName string) (<-chan Event, error)
}

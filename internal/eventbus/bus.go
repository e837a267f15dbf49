package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

var _ EventBus = (*RedisBus)(nil)

type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

// Publish 同时写入 worker 频道和 fleet 总频道
func (b *RedisBus) Publish(ctx context.Context, workerName string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Publish(ctx, WorkerChannelKey(workerName), data)
	pipe.Publish(ctx, FleetChannelKey, data)
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe streams one worker's events, or every worker's when workerName is empty.
func (b *RedisBus) Subscribe(ctx context.Context, workerName string) (<-chan Event, error) {
	channelKey := FleetChannelKey
	if workerName != "" {
		channelKey = WorkerChannelKey(workerName)
	}

	pubSub := b.client.Subscribe(ctx, channelKey)
	if _, err := pubSub.Receive(ctx); err != nil {
		pubSub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", channelKey, err)
	}

	ch := make(chan Event)

	go func() {
		defer close(ch)
		defer func(pubSub *redis.PubSub) {
			err := pubSub.Close()
			if err != nil {
				b.logger.Error("failed to close pubsub", "error", err)
			}
		}(pubSub)

		msgs := pubSub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Error("failed to unmarshal event", "error", err)
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

package eventbus

import (
	"context"
	"sync"
)

var _ EventBus = (*MemoryBus)(nil)

// MemoryBus is an in-process bus used when redis is not configured.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan Event)}
}

func (b *MemoryBus) Publish(ctx context.Context, workerName string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range []string{WorkerChannelKey(workerName), FleetChannelKey} {
		for _, ch := range b.subs[key] {
			// 慢订阅者直接丢弃
			select {
			case ch <- event:
			default:
			}
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, workerName string) (<-chan Event, error) {
	key := FleetChannelKey
	if workerName != "" {
		key = WorkerChannelKey(workerName)
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	if b.subs[key] == nil {
		b.subs[key] = make(map[int]chan Event)
	}
	b.subs[key][id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[key], id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

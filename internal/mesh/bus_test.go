package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/crosswire/internal/stream"
)

// memBus is an in-memory Bus for tests. It records published payloads per
// stream; Subscribe blocks until cancellation. Tests drive consumers by
// calling their handlers directly.
type memBus struct {
	mu        sync.Mutex
	published map[string][]any
	failAll   bool
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string][]any)}
}

func (b *memBus) Publish(ctx context.Context, streamName string, payload any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll {
		return "", fmt.Errorf("bus down")
	}
	b.published[streamName] = append(b.published[streamName], payload)
	return fmt.Sprintf("%s-%d", streamName, len(b.published[streamName])), nil
}

func (b *memBus) CreateConsumerGroup(ctx context.Context, streamName, group, startID string) error {
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, streamName, group, consumerName string, h stream.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *memBus) count(streamName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[streamName])
}

func (b *memBus) last(streamName string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.published[streamName]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

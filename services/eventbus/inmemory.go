package eventbus

import (
	"context"
	"sync"
)

// InMemoryBus fans events out to every subscriber over a buffered channel.
// It satisfies Bus without a broker, used in tests and whenever the
// --kafka-broker flag isn't set.
type InMemoryBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[chan Event]struct{})}
}

func (b *InMemoryBus) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block publishers. Lifecycle
			// events are observability, not the system of record.
		}
	}
}

func (b *InMemoryBus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

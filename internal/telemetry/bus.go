package telemetry

import (
	"context"
	"sync"
)

// Bus is an in-process publish/subscribe hub for crawl events, bridging the
// crawler to the EventWriter and to any number of external subscribers
// (spec §4.2's TelemetryBus). Publish never blocks on a slow subscriber: each
// subscriber gets its own buffered channel and a full channel drops the
// event rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	writer      *EventWriter
}

// NewBus constructs a Bus that forwards every published event to writer (if
// non-nil) in addition to any subscribers.
func NewBus(writer *EventWriter) *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		writer:      writer,
	}
}

// Subscribe registers a new listener with the given buffer size, returning
// the channel and an unsubscribe function.
func (b *Bus) Subscribe(bufSize int) (<-chan Event, func()) {
	if bufSize <= 0 {
		bufSize = 32
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish forwards e to the EventWriter and to every current subscriber.
// Subscribers whose buffer is full are skipped for this event; telemetry
// must never block the crawl (spec §4.2).
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b.writer != nil {
		b.writer.Write(ctx, e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close unsubscribes every listener.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}

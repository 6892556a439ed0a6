package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Bus fans round, check and transfer events out to subscribers.
// A nil *Bus is valid: it publishes nothing and its subscriptions are closed.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	size   int
	closed bool

	dropped atomic.Uint64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		size: defaultBufferSize,
	}
}

func closedChan() chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Subscribe returns a buffered channel that receives every published event.
// Subscribing to a nil or closed bus returns an already closed channel.
func (b *Bus) Subscribe() <-chan Event {
	if b == nil {
		return closedChan()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return closedChan()
	}
	ch := make(chan Event, b.size)
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if (<-chan Event)(sub) == ch {
			delete(b.subs, sub)
			close(sub)
			return
		}
	}
}

// Publish never blocks: a subscriber with a full buffer misses the event
// and the miss is counted in Dropped.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

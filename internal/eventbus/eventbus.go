// Package eventbus implements a small type-safe publish/subscribe bus
// used to decouple the evaluation loop from the API layer.
package eventbus

import "sync"

// Bus is a fan-out publish/subscribe bus for events of type T.
// Delivery is non-blocking: a slow subscriber drops events rather than
// stalling the publisher.
type Bus[T any] struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]chan T
	closed bool
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]chan T)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus[T]) Publish(e T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns its id and channel. The
// channel is closed on Unsubscribe or Close.
func (b *Bus[T]) Subscribe() (int, <-chan T) {
	ch := make(chan T, 8)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return -1, ch
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown
// ids are ignored.
func (b *Bus[T]) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	if !b.closed {
		close(ch)
	}
}

// Close closes every subscriber channel. Publishing after Close is a
// no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

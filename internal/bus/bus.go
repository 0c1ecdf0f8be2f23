// Package bus implements the subscription broadcast channel that delivers
// each completed page to zero or more live subscribers.
package bus

import (
	"context"
	"sync"
)

// Policy selects the slow-consumer behavior when a subscriber cannot keep
// up with the publish rate (spec §4.9). The policy is fixed crawl-wide.
type Policy int

const (
	// DropOldest evicts the subscriber's oldest buffered page to make room,
	// and marks the subscriber as having lagged.
	DropOldest Policy = iota
	// Backpressure blocks Publish until every subscriber has room,
	// throttling the crawl.
	Backpressure
)

// Handle is a subscriber's receive endpoint.
type Handle[T any] struct {
	ch     chan T
	lagged chan struct{}
	bus    *Bus[T]
	id     uint64
}

// Receive returns the subscriber's channel. It closes when the bus shuts
// down or the subscriber unsubscribes.
func (h *Handle[T]) Receive() <-chan T { return h.ch }

// Lagged signals (non-blocking) whenever DropOldest evicted a page for this
// subscriber.
func (h *Handle[T]) Lagged() <-chan struct{} { return h.lagged }

// Unsubscribe releases the subscriber's slot. The bus holds no backlog for
// an unsubscribed slot (spec §3 Subscription handle).
func (h *Handle[T]) Unsubscribe() { h.bus.remove(h.id) }

// Bus is a bounded broadcast: each published value is offered to every
// active subscriber independently, per the crawl-wide Policy.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]*Handle[T]
	nextID      uint64
	bufferSize  int
	policy      Policy
	closed      bool

	// publishMu serializes Publish end-to-end (snapshot through every
	// subscriber send), not just the subscriber-list snapshot, so
	// concurrent publishers can never interleave their per-subscriber
	// sends into a different relative order on different subscribers.
	publishMu sync.Mutex
}

// New constructs a Bus with the given per-subscriber buffer size and
// slow-consumer policy.
func New[T any](bufferSize int, policy Policy) *Bus[T] {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Bus[T]{
		subscribers: make(map[uint64]*Handle[T]),
		bufferSize:  bufferSize,
		policy:      policy,
	}
}

// Subscribe returns a new receive handle.
func (b *Bus[T]) Subscribe() *Handle[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	h := &Handle[T]{
		ch:     make(chan T, b.bufferSize),
		lagged: make(chan struct{}, 1),
		bus:    b,
		id:     id,
	}
	b.subscribers[id] = h
	return h
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(h.ch)
	}
}

// Publish delivers v to every active subscriber in the order it was
// called; per-subscriber delivery is therefore also in publish order
// (spec §5 ordering guarantee). Under Backpressure, Publish blocks until
// every subscriber has room or ctx is done.
func (b *Bus[T]) Publish(ctx context.Context, v T) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	handles := make([]*Handle[T], 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		switch b.policy {
		case DropOldest:
			b.publishDropOldest(h, v)
		case Backpressure:
			select {
			case h.ch <- v:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (b *Bus[T]) publishDropOldest(h *Handle[T], v T) {
	select {
	case h.ch <- v:
		return
	default:
	}
	// Buffer full: evict the oldest entry to make room, then signal lag.
	select {
	case <-h.ch:
	default:
	}
	select {
	case h.ch <- v:
	default:
	}
	select {
	case h.lagged <- struct{}{}:
	default:
	}
}

// Close shuts down the bus, closing every subscriber's channel. The bus
// holds no further backlog after Close.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, h := range b.subscribers {
		close(h.ch)
		delete(b.subscribers, id)
	}
}

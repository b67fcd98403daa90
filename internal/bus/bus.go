// Package bus provides an in-process fan-out pub/sub with a newest-wins
// drop policy. Publishers never block on a slow subscriber: when a
// subscriber's queue is full the oldest queued message is evicted to admit
// the newest, so after draining its queue a subscriber always observes the
// most recent published message.
package bus

import "sync"

// Queue capacities used by the composition root. The debounced market
// stream needs less headroom than an unthrottled one.
const (
	QueueSizeDebounced = 128
	QueueSizeRealtime  = 512
)

// closedType is the sentinel broadcast by Close; subscribers treat it as
// end-of-stream.
const closedType = "closed"

// Bus fans messages out to all current subscribers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan map[string]any]struct{}
	queueSize   int
	closed      bool
}

// New creates a bus whose subscriber queues hold queueSize messages.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = QueueSizeDebounced
	}
	return &Bus{
		subscribers: make(map[chan map[string]any]struct{}),
		queueSize:   queueSize,
	}
}

// Publish delivers a best-effort copy of msg to every current subscriber.
// The subscriber set is snapshotted under the lock; delivery happens
// outside it so Publish and (un)subscribe are safe concurrently.
func (b *Bus) Publish(msg map[string]any) {
	b.mu.Lock()
	targets := make([]chan map[string]any, 0, len(b.subscribers))
	for ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		deliver(ch, msg)
	}
}

// deliver enqueues msg, evicting the oldest queued message if needed.
// The second send can still lose a race against a concurrent publisher,
// in which case the message it lost to is newer anyway.
func deliver(ch chan map[string]any, msg map[string]any) {
	select {
	case ch <- msg:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
	default:
	}
}

// Subscription is one subscriber's view of the bus. Close unregisters it;
// closing twice is safe.
type Subscription struct {
	bus  *Bus
	ch   chan map[string]any
	once sync.Once
}

// C returns the subscriber's message channel.
func (s *Subscription) C() <-chan map[string]any { return s.ch }

// Close removes the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s.ch)
		s.bus.mu.Unlock()
	})
}

// Subscribe registers a new subscriber queue. Subscribing to a closed bus
// yields a subscription that immediately delivers the closed sentinel.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan map[string]any, b.queueSize)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch <- map[string]any{"type": closedType}
		return &Subscription{bus: b, ch: ch}
	}
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return &Subscription{bus: b, ch: ch}
}

// Close broadcasts the closed sentinel to all subscribers and removes them.
// Publish calls after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	targets := make([]chan map[string]any, 0, len(b.subscribers))
	for ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.subscribers = make(map[chan map[string]any]struct{})
	b.mu.Unlock()

	for _, ch := range targets {
		deliver(ch, map[string]any{"type": closedType})
	}
}

// IsClosed reports whether msg is the end-of-stream sentinel.
func IsClosed(msg map[string]any) bool {
	t, _ := msg["type"].(string)
	return t == closedType
}

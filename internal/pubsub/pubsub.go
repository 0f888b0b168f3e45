// Package pubsub provides a small multi-consumer broadcast broker.
//
// Each subscriber owns a bounded queue. When a subscriber falls behind, the
// oldest queued value is dropped to make room for the newest (drop-oldest
// policy): live collaboration favors fresh data over complete history, and a
// client that missed broadcasts can always request a full snapshot.
package pubsub

import "sync"

// Broker fans published values out to all current subscribers.
type Broker[T any] struct {
	mu        sync.RWMutex
	subs      map[*Subscription[T]]struct{}
	queueSize int
	closed    bool
}

// Subscription is one subscriber's view of a broker.
type Subscription[T any] struct {
	broker *Broker[T]
	ch     chan T
	once   sync.Once
}

// NewBroker creates a broker whose subscribers buffer up to queueSize values.
func NewBroker[T any](queueSize int) *Broker[T] {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Broker[T]{
		subs:      make(map[*Subscription[T]]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers a new subscriber. Subscriptions on a closed broker are
// returned already closed.
func (b *Broker[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		broker: b,
		ch:     make(chan T, b.queueSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers v to every subscriber. Publish never blocks: a full
// subscriber queue drops its oldest value first.
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- v:
		default:
			// Queue full: drop the oldest value, then retry once. The second
			// send can still lose the race against a concurrent Publish; that
			// is acceptable under the drop policy.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- v:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches and closes every subscription. Further publishes are no-ops.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	b.subs = nil
}

// C returns the subscriber's receive channel. It is closed when the
// subscription or the broker closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close detaches the subscription from its broker and closes the channel.
// Safe to call more than once and concurrently with Publish.
func (s *Subscription[T]) Close() {
	s.broker.mu.Lock()
	if s.broker.closed {
		s.broker.mu.Unlock()
		return
	}
	_, attached := s.broker.subs[s]
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()

	if attached {
		s.once.Do(func() { close(s.ch) })
	}
}

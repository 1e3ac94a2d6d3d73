// Package pubsub provides in-process topics with per-subscriber ordered
// delivery. Publishing never blocks: each subscription buffers without
// bound until its consumer catches up.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once a subscription has ended.
var ErrClosed = errors.New("pubsub: closed")

// Topic fans published values out to subscribers in publish order.
type Topic[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewTopic creates an open topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Publish delivers v to every subscription whose filter accepts it and
// returns how many did. Publishing on a closed topic delivers nothing.
func (t *Topic[T]) Publish(v T) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0
	}
	n := 0
	for s := range t.subs {
		if s.filter != nil && !s.filter(v) {
			continue
		}
		if s.push(v) {
			n++
		}
	}
	return n
}

// Subscribe returns a subscription receiving values published from now on.
// A nil filter accepts everything. Subscribing to a closed topic returns an
// already ended subscription.
func (t *Topic[T]) Subscribe(filter func(T) bool) *Subscription[T] {
	s := &Subscription[T]{
		topic:  t,
		filter: filter,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		s.end()
		return s
	}
	t.subs[s] = struct{}{}
	return s
}

// Len returns the number of live subscriptions.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close ends every subscription. Values already queued are still
// delivered before Next reports ErrClosed.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for s := range t.subs {
		s.end()
	}
	t.subs = nil
}

func (t *Topic[T]) remove(s *Subscription[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s)
}

// Subscription is one consumer's ordered view of a topic.
type Subscription[T any] struct {
	topic  *Topic[T]
	filter func(T) bool

	mu       sync.Mutex
	queue    []T
	ended    bool // no more values will arrive
	canceled bool // consumer gave up; queue dropped
	signal   chan struct{}
	done     chan struct{}
}

func (s *Subscription[T]) push(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return false
	}
	s.queue = append(s.queue, v)
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription[T]) end() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	s.ended = true
	close(s.done)
}

// Next returns the next value, blocking until one is published, the
// context ends, or the subscription ends (ErrClosed).
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.canceled {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return v, nil
		}
		if s.ended {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.done:
		case <-s.signal:
		}
	}
}

// Done is closed when the subscription ends.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes and drops anything queued. Safe to call more than
// once.
func (s *Subscription[T]) Close() {
	s.topic.remove(s)
	s.mu.Lock()
	s.canceled = true
	s.queue = nil
	s.mu.Unlock()
	s.end()
}

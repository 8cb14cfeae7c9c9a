package common

import (
	"context"
	"sync"
)

// Hub fans values out to any number of subscribers. Each subscriber owns a
// bounded channel; Publish blocks until every open subscriber has accepted the
// value, so a slow reader applies backpressure to the publisher instead of
// losing values. A subscriber that is closed is skipped.
//
// When replay is enabled the last published value is handed to every new
// subscriber first, which is how connection-state streams start with the
// current state. A replaying Hub never blocks: a full subscriber loses its
// oldest buffered value, so a reader that falls behind still ends on the
// latest one.
type Hub[T any] struct {
	pubMu  sync.Mutex
	mu     sync.Mutex
	subs   map[*Stream[T]]struct{}
	buffer int
	replay bool
	last   *T
	closed bool
}

// NewHub creates a Hub whose subscriber channels hold buffer values.
func NewHub[T any](buffer int, replay bool) *Hub[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub[T]{
		subs:   make(map[*Stream[T]]struct{}),
		buffer: buffer,
		replay: replay,
	}
}

// Subscribe registers a new Stream. The stream lives until Close is called on
// it or on the Hub.
func (h *Hub[T]) Subscribe() *Stream[T] {
	s := &Stream[T]{
		hub:  h,
		ch:   make(chan T, h.buffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		s.close()
		return s
	}
	if h.replay && h.last != nil {
		s.ch <- *h.last
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every subscriber in order, blocking on full
// subscribers until they read, close, or ctx is done. Replaying hubs coalesce
// instead of blocking. Concurrent publishers are serialized so every
// subscriber observes the same order.
func (h *Hub[T]) Publish(ctx context.Context, v T) error {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	if h.replay {
		h.last = &v
	}
	subs := make([]*Stream[T], 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if h.replay {
			s.offer(v)
			continue
		}
		if err := s.push(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// Last returns the last published value when replay is enabled.
func (h *Hub[T]) Last() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var zero T
	if h.last == nil {
		return zero, false
	}
	return *h.last, true
}

// Len returns the number of open subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber. Later subscriptions receive closed streams.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[*Stream[T]]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

func (h *Hub[T]) remove(s *Stream[T]) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Stream is one subscription to a Hub.
type Stream[T any] struct {
	hub    *Hub[T]
	ch     chan T
	done   chan struct{}
	sendMu sync.Mutex
	once   sync.Once
}

// C returns the channel values are delivered on. It is closed when the stream
// ends.
func (s *Stream[T]) C() <-chan T {
	return s.ch
}

// Done is closed when the stream ends.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Next blocks until the next value is available. ok is false once the stream
// has ended.
func (s *Stream[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	select {
	case v, ok = <-s.ch:
		return v, ok, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// Close ends the subscription. Values still buffered can be drained from C.
func (s *Stream[T]) Close() {
	s.hub.remove(s)
	s.close()
}

func (s *Stream[T]) close() {
	s.once.Do(func() {
		close(s.done)
		// push holds sendMu for the duration of a send, and gives up as soon
		// as done is closed, so ch is never closed under a sender.
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}

func (s *Stream[T]) push(ctx context.Context, v T) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}

	select {
	case s.ch <- v:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// offer delivers v without blocking, evicting buffered values until it fits.
// sendMu keeps ch open while it is drained.
func (s *Stream[T]) offer(v T) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

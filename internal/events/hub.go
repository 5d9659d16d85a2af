// Package events fans component events out to any number of listeners.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultBuffer is the per-listener queue length used by Subscribe(0).
const DefaultBuffer = 64

// Hub broadcasts values to subscribers without ever blocking the publisher.
// A buffered listener whose buffer is full misses the value; an unbounded
// listener queues it instead.
type Hub[T any] struct {
	name string

	mu     sync.RWMutex
	subs   map[int]chan T
	queues map[int]*backlog[T]
	nextID int
	closed bool
}

func NewHub[T any](name string) *Hub[T] {
	return &Hub[T]{name: name, subs: make(map[int]chan T), queues: make(map[int]*backlog[T])}
}

// Subscribe registers a listener. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

// SubscribeUnbounded registers a listener that never misses a value, for
// components whose state depends on seeing every event. Values wait in
// memory until read, so the listener must keep draining or cancel.
func (h *Hub[T]) SubscribeUnbounded() (<-chan T, func()) {
	q := newBacklog[T]()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		q.stop()
		return q.out, func() {}
	}
	id := h.nextID
	h.nextID++
	h.queues[id] = q
	h.mu.Unlock()

	var once sync.Once
	return q.out, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.queues, id)
			h.mu.Unlock()
			q.stop()
		})
	}
}

// Publish delivers v to every listener that has room for it.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, q := range h.queues {
		q.push(v)
	}
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			log.Warn().Str("hub", h.name).Int("listener", id).Msg("Listener buffer full, dropping event")
		}
	}
}

// Close closes every listener channel. Later Subscribe calls get a closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	for id, q := range h.queues {
		delete(h.queues, id)
		q.stop()
	}
}

// backlog feeds out from a growable queue so push never blocks.
type backlog[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
	out   chan T
}

func newBacklog[T any]() *backlog[T] {
	q := &backlog[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan T),
	}
	go q.run()
	return q
}

func (q *backlog[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// stop closes out; values not yet read are discarded.
func (q *backlog[T]) stop() {
	q.once.Do(func() { close(q.done) })
}

func (q *backlog[T]) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}

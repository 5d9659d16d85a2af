package store

import "sync"

// Feed is an unbounded, ordered queue of events under one path, drained
// into a channel by its own goroutine so publishers never block on a slow
// subscriber.
type Feed struct {
	prefix string

	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
	out  chan Event
	done chan struct{}
	once sync.Once
}

// NewFeed starts a feed that accepts events at or below prefix.
func NewFeed(prefix string) *Feed {
	f := &Feed{
		prefix: prefix,
		wake:   make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go f.run()
	return f
}

// Matches reports whether path belongs to this feed.
func (f *Feed) Matches(path string) bool {
	return Within(path, f.prefix)
}

// Deliver queues ev if it is in range. It never blocks.
func (f *Feed) Deliver(ev Event) {
	if !f.Matches(ev.Path) {
		return
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, ev)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// C is closed once the feed is closed.
func (f *Feed) C() <-chan Event {
	return f.out
}

// Done is closed when Close is called.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Close stops delivery. Queued events are discarded.
func (f *Feed) Close() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.queue = nil
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *Feed) run() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}
		ev := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- ev:
		case <-f.done:
			return
		}
	}
}

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs the single-process "memory"
// deployment and the test suites of the components above it.
//
// TxFuncs run with the store locked and must not call back into it.
type Memory struct {
	mu    sync.Mutex
	data  map[string][]byte
	feeds map[*Feed]struct{}
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		data:  make(map[string][]byte),
		feeds: make(map[*Feed]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[path]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *Memory) Set(_ context.Context, path string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(path, value)
	return nil
}

func (m *Memory) Push(ctx context.Context, path string, value []byte) (string, error) {
	key := NewPushKey()
	return key, m.Set(ctx, Join(path, key), value)
}

func (m *Memory) Children(_ context.Context, path string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	prefix := path + "/"
	for k, v := range m.data {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out[rest] = clone(v)
	}
	return out, nil
}

func (m *Memory) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for k := range m.data {
		if Within(k, path) {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		delete(m.data, k)
		m.publish(Event{Path: k, Deleted: true})
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, path string) (<-chan Event, func(), error) {
	feed := NewFeed(path)
	m.mu.Lock()
	m.feeds[feed] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.feeds, feed)
		m.mu.Unlock()
		feed.Close()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-feed.Done():
		}
	}()
	return feed.C(), cancel, nil
}

func (m *Memory) Transaction(_ context.Context, path string, fn TxFunc) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[path]
	if !ok {
		cur = nil
	}
	next, err := fn(clone(cur))
	if errors.Is(err, ErrAbort) {
		return false, clone(cur), nil
	}
	if err != nil {
		return false, nil, err
	}
	if next == nil {
		if ok {
			delete(m.data, path)
			m.publish(Event{Path: path, Deleted: true})
		}
		return true, nil, nil
	}
	m.put(path, next)
	return true, clone(next), nil
}

// put stores value and publishes the change. Callers hold m.mu.
func (m *Memory) put(path string, value []byte) {
	m.data[path] = clone(value)
	m.publish(Event{Path: path, Value: clone(value)})
}

// publish hands ev to every feed. Callers hold m.mu, which keeps
// delivery order identical to write order.
func (m *Memory) publish(ev Event) {
	for f := range m.feeds {
		f.Deliver(ev)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// NewPushKey returns a child key that sorts after all keys issued before it.
func NewPushKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

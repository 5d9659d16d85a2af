// Package store defines the shared signaling store the coordinator talks
// through: point reads and writes, ordered append, subtree removal, change
// subscriptions and an atomic compare-and-update keyed by path.
//
// Paths are slash-separated ("random_pool/alice"). Values are JSON documents.
// A path's subtree is every path that has it as a prefix followed by "/".
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when nothing is stored at the path.
	ErrNotFound = errors.New("store: not found")

	// ErrAbort is returned from a TxFunc to abandon the transaction
	// without writing. Transaction then reports committed=false.
	ErrAbort = errors.New("store: transaction aborted")
)

// Event describes one change at a path.
type Event struct {
	Path    string          `json:"path"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// TxFunc computes the next value from the current one. current is nil when
// the path is empty; returning a nil next deletes the path.
type TxFunc func(current []byte) (next []byte, err error)

// Store is the Signaling Store client.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	// Push stores value under a new child of path whose key sorts after
	// every key pushed before it, and returns that key.
	Push(ctx context.Context, path string, value []byte) (string, error)
	// Children returns the direct children of path keyed by name.
	Children(ctx context.Context, path string) (map[string][]byte, error)
	// Remove deletes path and its subtree. Removing an empty path is not an error.
	Remove(ctx context.Context, path string) error
	// Subscribe delivers every change at or below path until cancel is
	// called or ctx ends; the channel is closed afterwards.
	Subscribe(ctx context.Context, path string) (<-chan Event, func(), error)
	// Transaction atomically applies fn to the value at path.
	Transaction(ctx context.Context, path string, fn TxFunc) (committed bool, value []byte, err error)
}

// Join builds a path from segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Within reports whether p is prefix itself or inside its subtree.
func Within(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Base returns the last segment of p.
func Base(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Exists reports whether anything is stored at path.
func Exists(ctx context.Context, s Store, path string) (bool, error) {
	_, err := s.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetJSON reads path into v.
func GetJSON(ctx context.Context, s Store, path string, v any) error {
	data, err := s.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// SetJSON writes v to path.
func SetJSON(ctx context.Context, s Store, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return s.Set(ctx, path, data)
}

// PushJSON appends v under path.
func PushJSON(ctx context.Context, s Store, path string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", path, err)
	}
	return s.Push(ctx, path, data)
}

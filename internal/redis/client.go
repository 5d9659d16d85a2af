// Package redis implements the signaling store on Redis. Every store path is
// one string key under a configurable prefix; changes are announced on a
// single pub/sub channel that subscribers filter by path.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mossy-p/webrtc-callcoord/config"
	"github.com/mossy-p/webrtc-callcoord/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// maxTxRetries bounds optimistic retries when a watched key changes
// between read and EXEC.
const maxTxRetries = 16

// Store is a store.Store backed by Redis.
type Store struct {
	client  *redis.Client
	prefix  string
	channel string
}

var _ store.Store = (*Store)(nil)

// Connect initializes the Redis client and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, cfg.KeyPrefix), nil
}

// New wraps an existing client. prefix namespaces keys and the change channel.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "callcoord"
	}
	return &Store{
		client:  client,
		prefix:  prefix,
		channel: prefix + ":changes",
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) key(path string) string {
	return s.prefix + ":" + path
}

func (s *Store) path(key string) string {
	return strings.TrimPrefix(key, s.prefix+":")
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", path, err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, path string, value []byte) error {
	if err := s.client.Set(ctx, s.key(path), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	s.publish(ctx, store.Event{Path: path, Value: value})
	return nil
}

func (s *Store) Push(ctx context.Context, path string, value []byte) (string, error) {
	key := store.NewPushKey()
	return key, s.Set(ctx, store.Join(path, key), value)
}

func (s *Store) Children(ctx context.Context, path string) (map[string][]byte, error) {
	keys, err := s.scan(ctx, path)
	if err != nil {
		return nil, err
	}
	prefix := path + "/"
	var direct []string
	for _, k := range keys {
		rest := strings.TrimPrefix(s.path(k), prefix)
		if !strings.Contains(rest, "/") {
			direct = append(direct, k)
		}
	}

	out := make(map[string][]byte, len(direct))
	if len(direct) == 0 {
		return out, nil
	}
	values, err := s.client.MGet(ctx, direct...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget %s: %w", path, err)
	}
	for i, v := range values {
		// A key can disappear between SCAN and MGET.
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[strings.TrimPrefix(s.path(direct[i]), prefix)] = []byte(str)
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	keys, err := s.scan(ctx, path)
	if err != nil {
		return err
	}
	keys = append(keys, s.key(path))

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Del(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove %s: %w", path, err)
	}
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			s.publish(ctx, store.Event{Path: s.path(keys[i]), Deleted: true})
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, path string) (<-chan store.Event, func(), error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	// Wait for confirmation so no change published after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", path, err)
	}

	feed := store.NewFeed(path)
	cancel := func() {
		feed.Close()
		pubsub.Close()
	}

	go func() {
		defer cancel()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-feed.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev store.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Msg("Dropping malformed change notification")
					continue
				}
				feed.Deliver(ev)
			}
		}
	}()

	return feed.C(), cancel, nil
}

func (s *Store) Transaction(ctx context.Context, path string, fn store.TxFunc) (bool, []byte, error) {
	key := s.key(path)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var (
			current []byte
			next    []byte
			aborted bool
		)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			v, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
				current = nil
			case err != nil:
				return err
			default:
				current = v
			}

			next, err = fn(current)
			if errors.Is(err, store.ErrAbort) {
				aborted = true
				return nil
			}
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
				} else {
					pipe.Set(ctx, key, next, 0)
				}
				return nil
			})
			return err
		}, key)

		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil:
			return false, nil, fmt.Errorf("redis transaction %s: %w", path, err)
		case aborted:
			return false, current, nil
		}

		if next == nil {
			if current != nil {
				s.publish(ctx, store.Event{Path: path, Deleted: true})
			}
		} else {
			s.publish(ctx, store.Event{Path: path, Value: next})
		}
		return true, next, nil
	}
	return false, nil, fmt.Errorf("redis transaction %s: too much contention", path)
}

// scan lists every key strictly below path.
func (s *Store) scan(ctx context.Context, path string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(s.key(path)+"/")+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", path, err)
	}
	return keys, nil
}

// publish announces a change. Failures are logged: subscribers fall back
// on timeouts when a notification is lost.
func (s *Store) publish(ctx context.Context, ev store.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("path", ev.Path).Msg("Failed to encode change notification")
		return
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("path", ev.Path).Msg("Failed to publish change notification")
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/tenantauth/internal/store"
)

// DefaultPrefix namespaces every key this package writes.
const DefaultPrefix = "tenantauth:"

var _ store.KV = (*KV)(nil)

// KV is a store.KV backed by Redis strings.
type KV struct {
	client *redis.Client
	prefix string
}

// New connects and pings. An empty prefix selects DefaultPrefix.
func New(ctx context.Context, addr, password string, db int, prefix string) (*KV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client. The KV takes ownership of it.
func NewWithClient(client *redis.Client, prefix string) *KV {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &KV{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (s *KV) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redis.KV.Close: %w", err)
	}
	return nil
}

// Get maps redis.Nil to store.ErrNotFound.
func (s *KV) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis.KV.Get %q: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("redis.KV.Get: %w", err)
	}
	return v, nil
}

// Set stores without expiry; credentials live until explicitly removed.
func (s *KV) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.Key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis.KV.Set: %w", err)
	}
	return nil
}

// Delete removes key; absent keys are not an error.
func (s *KV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.Key(key)).Err(); err != nil {
		return fmt.Errorf("redis.KV.Delete: %w", err)
	}
	return nil
}

// Key returns the namespaced Redis key for a logical key.
func (s *KV) Key(key string) string {
	return s.prefix + key
}

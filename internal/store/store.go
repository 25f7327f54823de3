// Package store defines the byte-level key-value contract that credential
// persistence is built on. Backends live in subpackages.
package store

import (
	"context"
	"errors"
)

//nolint:gochecknoglobals // sentinel error
var ErrNotFound = errors.New("store: not found")

// KV is a durable string-keyed value store. Values are opaque to the backend;
// callers encrypt before writing.
type KV interface {
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Package memory provides an in-process store.KV, used for tests and for
// ephemeral runs that must not touch disk.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/gosuda/tenantauth/internal/store"
)

var _ store.KV = (*KV)(nil)

// KV is a map guarded by a RWMutex. Fail injects errors per key for tests.
type KV struct {
	mu     sync.RWMutex
	values map[string]string
	fail   map[string]error
	writes int
}

// New returns an empty KV.
func New() *KV {
	return &KV{
		values: make(map[string]string),
		fail:   make(map[string]error),
	}
}

// Get returns store.ErrNotFound for absent keys.
func (m *KV) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail[key]; err != nil {
		return "", fmt.Errorf("memory.Get: %w", err)
	}
	v, ok := m.values[key]
	if !ok {
		return "", fmt.Errorf("memory.Get %q: %w", key, store.ErrNotFound)
	}
	return v, nil
}

// Set stores value under key and counts the write.
func (m *KV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail[key]; err != nil {
		return fmt.Errorf("memory.Set: %w", err)
	}
	m.values[key] = value
	m.writes++
	return nil
}

// Delete removes key; absent keys are not an error.
func (m *KV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail[key]; err != nil {
		return fmt.Errorf("memory.Delete: %w", err)
	}
	delete(m.values, key)
	m.writes++
	return nil
}

// Close is a no-op.
func (m *KV) Close() error { return nil }

// FailOn makes every operation on key return err until cleared with a nil err.
func (m *KV) FailOn(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.fail, key)
		return
	}
	m.fail[key] = err
}

// Has reports whether key is present.
func (m *KV) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.values[key]
	return ok
}

// Raw returns the stored value without failure injection.
func (m *KV) Raw(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	return v, ok
}

// Writes counts successful Set and Delete calls.
func (m *KV) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.writes
}

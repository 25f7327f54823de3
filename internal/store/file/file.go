// Package file provides a directory-backed store.KV. Each key is one file,
// replaced atomically so an abrupt exit leaves either the old or the new value.
package file

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gosuda/tenantauth/internal/store"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
	suffix   = ".val"
)

var _ store.KV = (*KV)(nil)

// KV stores values under dir. Operations on the same key are serialized;
// different keys proceed in parallel.
type KV struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates dir if needed and returns a KV rooted there.
func New(dir string) (*KV, error) {
	if dir == "" {
		return nil, errors.New("file.New: directory is required")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("file.New: %w", err)
	}
	return &KV{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Get returns store.ErrNotFound when no file exists for key.
func (s *KV) Get(_ context.Context, key string) (string, error) {
	unlock := s.lock(key)
	defer unlock()

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("file.Get %q: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("file.Get: %w", err)
	}
	return string(data), nil
}

// Set replaces the value of key atomically.
func (s *KV) Set(_ context.Context, key, value string) error {
	unlock := s.lock(key)
	defer unlock()

	if err := s.writeAtomic(s.path(key), []byte(value)); err != nil {
		return fmt.Errorf("file.Set: %w", err)
	}
	return nil
}

// Delete removes key; absent keys are not an error.
func (s *KV) Delete(_ context.Context, key string) error {
	unlock := s.lock(key)
	defer unlock()

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file.Delete: %w", err)
	}
	return syncDir(s.dir)
}

// Close is a no-op; every write is already synced.
func (s *KV) Close() error { return nil }

func (s *KV) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// path hex-encodes the key so arbitrary keys map to safe file names.
func (s *KV) path(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key))+suffix)
}

func (s *KV) writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("file.syncDir: %w", err)
	}
	defer d.Close()

	// Some filesystems do not support fsync on directories.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("file.syncDir: %w", err)
	}
	return nil
}

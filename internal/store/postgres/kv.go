package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tenantauth/internal/store"
)

var _ store.KV = (*KV)(nil)

// KV implements store.KV on the tenantauth_credentials table.
type KV struct {
	pool *pgxpool.Pool
}

// NewKV creates a new KV.
func NewKV(pool *pgxpool.Pool) *KV {
	return &KV{pool: pool}
}

// Get returns the sealed value for key.
func (r *KV) Get(ctx context.Context, key string) (string, error) {
	var value string

	err := r.pool.QueryRow(ctx,
		`SELECT value FROM tenantauth_credentials WHERE key = $1`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("credentialKV.Get %q: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("credentialKV.Get: %w", err)
	}

	return value, nil
}

// Set upserts key.
func (r *KV) Set(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tenantauth_credentials (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("credentialKV.Set: %w", err)
	}

	return nil
}

// Delete removes key; absent keys are not an error.
func (r *KV) Delete(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM tenantauth_credentials WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("credentialKV.Delete: %w", err)
	}

	return nil
}

// Close is a no-op; the pool belongs to Store.
func (r *KV) Close() error { return nil }

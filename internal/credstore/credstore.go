// Package credstore persists sessions per tenant on top of a store.KV. Every
// value except the key-derivation salt is sealed with a secrets.Vault before it
// reaches the backend.
package credstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantauth/internal/metrics"
	"github.com/gosuda/tenantauth/internal/secrets"
	"github.com/gosuda/tenantauth/internal/session"
	"github.com/gosuda/tenantauth/internal/store"
)

// Options selects how the vault key is obtained. Key wins over Passphrase.
type Options struct {
	Key        []byte
	Passphrase string
	Metrics    *metrics.Metrics
}

// Store is the secure credential store.
type Store struct {
	kv      store.KV
	vault   *secrets.Vault
	metrics *metrics.Metrics

	// indexMu serializes read-modify-write cycles of the tenant index.
	indexMu sync.Mutex
}

// Open builds a Store over kv. With a passphrase, the salt is read from the KV
// or created on first use.
func Open(ctx context.Context, kv store.KV, opts Options) (*Store, error) {
	key := opts.Key
	if key == nil {
		salt, err := loadOrCreateSalt(ctx, kv)
		if err != nil {
			return nil, fmt.Errorf("credstore.Open: %w", err)
		}
		key, err = secrets.DeriveKey(opts.Passphrase, salt)
		if err != nil {
			return nil, fmt.Errorf("credstore.Open: %w", err)
		}
	}

	vault, err := secrets.NewVault(key)
	if err != nil {
		return nil, fmt.Errorf("credstore.Open: %w", err)
	}

	return &Store{kv: kv, vault: vault, metrics: opts.Metrics}, nil
}

func loadOrCreateSalt(ctx context.Context, kv store.KV) ([]byte, error) {
	encoded, err := kv.Get(ctx, SaltKey)
	if err == nil {
		salt, decErr := base64.StdEncoding.DecodeString(encoded)
		if decErr != nil {
			return nil, fmt.Errorf("decode salt: %w", decErr)
		}
		return salt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	salt, err := secrets.NewSalt()
	if err != nil {
		return nil, err
	}
	if err := kv.Set(ctx, SaltKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

// Put writes the session record and adds its tenant to the index.
func (s *Store) Put(ctx context.Context, v session.Validated) error {
	if !v.Valid() {
		return fmt.Errorf("credstore.Put: %w", session.ErrInvalidSession)
	}
	sess := v.Session()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("credstore.Put: %w", err)
	}
	if err := s.write(ctx, SessionKey(sess.Tenant.ID), data); err != nil {
		s.metrics.StoreError("put")
		return fmt.Errorf("credstore.Put: %w", err)
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	ids, err := s.readIndex(ctx)
	if err != nil {
		return fmt.Errorf("credstore.Put: %w", err)
	}
	if slices.Contains(ids, sess.Tenant.ID) {
		return nil
	}
	if err := s.writeIndex(ctx, append(ids, sess.Tenant.ID)); err != nil {
		s.metrics.StoreError("put")
		return fmt.Errorf("credstore.Put: %w", err)
	}
	return nil
}

// Get loads and validates the session for tenantID. Read, decrypt and
// validation failures all report absent; they are logged, not returned.
func (s *Store) Get(ctx context.Context, tenantID int64) (session.Validated, bool) {
	data, err := s.read(ctx, SessionKey(tenantID))
	if errors.Is(err, store.ErrNotFound) {
		return session.Validated{}, false
	}
	if err != nil {
		s.metrics.StoreError("get")
		log.Warn().Err(err).Int64("tenant_id", tenantID).Msg("credstore: failed to read session")
		return session.Validated{}, false
	}

	v, err := session.Decode(data)
	if err != nil {
		log.Warn().Err(err).Int64("tenant_id", tenantID).Msg("credstore: discarding malformed session record")
		return session.Validated{}, false
	}
	if v.Session().Tenant.ID != tenantID {
		log.Warn().Int64("tenant_id", tenantID).Int64("record_tenant_id", v.Session().Tenant.ID).
			Msg("credstore: discarding session stored under another tenant")
		return session.Validated{}, false
	}
	return v, true
}

// Remove deletes every tenant-scoped key and drops the tenant from the index.
// Each deletion is attempted even if an earlier one failed; failures are
// logged and returned joined.
func (s *Store) Remove(ctx context.Context, tenantID int64) error {
	var errs []error

	for _, kind := range TenantKinds {
		key := TenantKey(tenantID, kind)
		if err := s.kv.Delete(ctx, key); err != nil {
			s.metrics.StoreError("remove")
			log.Error().Err(err).Int64("tenant_id", tenantID).Str("key", key).Msg("credstore: failed to clear tenant data")
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	ids, err := s.readIndex(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if i := slices.Index(ids, tenantID); i >= 0 {
		if err := s.writeIndex(ctx, slices.Delete(ids, i, i+1)); err != nil {
			s.metrics.StoreError("remove")
			log.Error().Err(err).Int64("tenant_id", tenantID).Msg("credstore: failed to update tenant index")
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("credstore.Remove: %w", errors.Join(errs...))
	}
	return nil
}

// ListKnownTenantIDs returns the indexed tenant ids in insertion order.
func (s *Store) ListKnownTenantIDs(ctx context.Context) ([]int64, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	ids, err := s.readIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("credstore.ListKnownTenantIDs: %w", err)
	}
	return ids, nil
}

// SetLastTenantID persists the selected tenant; 0 means none.
func (s *Store) SetLastTenantID(ctx context.Context, tenantID int64) error {
	if err := s.write(ctx, LastTenantKey, []byte(strconv.FormatInt(tenantID, 10))); err != nil {
		s.metrics.StoreError("set_last")
		return fmt.Errorf("credstore.SetLastTenantID: %w", err)
	}
	return nil
}

// GetLastTenantID returns the persisted selection, or 0 when absent or unreadable.
func (s *Store) GetLastTenantID(ctx context.Context) int64 {
	data, err := s.read(ctx, LastTenantKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.metrics.StoreError("get_last")
			log.Warn().Err(err).Msg("credstore: failed to read last tenant id")
		}
		return 0
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// PutTenantData stores a tenant-scoped blob of the given kind.
func (s *Store) PutTenantData(ctx context.Context, tenantID int64, kind string, data []byte) error {
	if kind == KindSession {
		return fmt.Errorf("credstore.PutTenantData: kind %q is reserved", kind)
	}
	if err := s.write(ctx, TenantKey(tenantID, kind), data); err != nil {
		s.metrics.StoreError("put_data")
		return fmt.Errorf("credstore.PutTenantData: %w", err)
	}
	return nil
}

// GetTenantData returns store.ErrNotFound when nothing is stored.
func (s *Store) GetTenantData(ctx context.Context, tenantID int64, kind string) ([]byte, error) {
	data, err := s.read(ctx, TenantKey(tenantID, kind))
	if err != nil {
		return nil, fmt.Errorf("credstore.GetTenantData: %w", err)
	}
	return data, nil
}

// DeleteTenantData removes a tenant-scoped blob. Deleting an absent blob is
// not an error. Sessions are removed through Remove only.
func (s *Store) DeleteTenantData(ctx context.Context, tenantID int64, kind string) error {
	if kind == KindSession {
		return fmt.Errorf("credstore.DeleteTenantData: kind %q is reserved", kind)
	}
	if err := s.kv.Delete(ctx, TenantKey(tenantID, kind)); err != nil {
		s.metrics.StoreError("delete_data")
		return fmt.Errorf("credstore.DeleteTenantData: %w", err)
	}
	return nil
}

// readIndex treats a missing index as empty and an undecodable one as empty
// (logged), so one corrupt key cannot block every tenant.
func (s *Store) readIndex(ctx context.Context) ([]int64, error) {
	data, err := s.read(ctx, IndexKey)
	if errors.Is(err, store.ErrNotFound) {
		return []int64{}, nil
	}
	if err != nil {
		s.metrics.StoreError("read_index")
		return nil, fmt.Errorf("read index: %w", err)
	}

	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		log.Warn().Err(err).Msg("credstore: tenant index is corrupt, treating as empty")
		return []int64{}, nil
	}

	// Deduplicate while keeping the first occurrence.
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) writeIndex(ctx context.Context, ids []int64) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.write(ctx, IndexKey, data)
}

func (s *Store) write(ctx context.Context, key string, plaintext []byte) error {
	sealed, err := s.vault.Seal(key, plaintext)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, sealed)
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.vault.Open(key, sealed)
}

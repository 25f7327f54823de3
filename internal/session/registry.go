// Package session holds the structural validator for stored sessions and the
// Registry, the in-memory authority over which sessions the process has and
// which one is selected.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/tenantauth/internal/domain"
	"github.com/gosuda/tenantauth/internal/metrics"
)

// loadConcurrency bounds parallel per-tenant reads during LoadAll.
const loadConcurrency = 4

// Store is the durable side of the registry.
type Store interface {
	Put(ctx context.Context, v Validated) error
	Get(ctx context.Context, tenantID int64) (Validated, bool)
	Remove(ctx context.Context, tenantID int64) error
	ListKnownTenantIDs(ctx context.Context) ([]int64, error)
	SetLastTenantID(ctx context.Context, tenantID int64) error
	GetLastTenantID(ctx context.Context) int64
}

// Registry owns the loaded sessions and the current selection. Mutations are
// serialized; store failures are logged and never roll back memory.
type Registry struct {
	store   Store
	metrics *metrics.Metrics

	// opMu serializes mutating operations including their store I/O.
	opMu sync.Mutex

	mu        sync.RWMutex
	sessions  []domain.Session
	currentID int64
	loaded    bool
	// loadDone is closed when the first LoadAll finishes; nil before it starts.
	loadDone chan struct{}
	// removed records tenants dropped while LoadAll was reading the store.
	removed  map[int64]struct{}
	onRemove []func(tenantID int64)
	onChange []func(ctx context.Context, tenantID int64)
}

// NewRegistry creates an empty registry. Call LoadAll to restore persisted sessions.
func NewRegistry(store Store, m *metrics.Metrics) *Registry {
	return &Registry{
		store:   store,
		metrics: m,
		removed: make(map[int64]struct{}),
	}
}

// OnRemove registers fn to run after a session is removed, e.g. to tear down
// tenant-scoped caches.
func (r *Registry) OnRemove(fn func(tenantID int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onRemove = append(r.onRemove, fn)
}

// OnCredentialChange registers fn to run after AddSession installs a
// credential for a tenant that had none or a different one.
func (r *Registry) OnCredentialChange(fn func(ctx context.Context, tenantID int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onChange = append(r.onChange, fn)
}

// LoadAll restores sessions and the last selection from the store. It runs
// once; calls made while it runs wait for it, later calls return immediately.
// Sessions added while it reads are kept and win over stored records for the
// same tenant.
func (r *Registry) LoadAll(ctx context.Context) error {
	r.mu.Lock()
	if r.loaded {
		r.mu.Unlock()
		return nil
	}
	if done := r.loadDone; done != nil {
		r.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("session.LoadAll: %w", ctx.Err())
		}
	}
	done := make(chan struct{})
	r.loadDone = done
	r.mu.Unlock()

	stored, lastID := r.readStored(ctx)

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	for _, s := range stored {
		if _, gone := r.removed[s.Tenant.ID]; gone {
			continue
		}
		if r.indexOf(s.Tenant.ID) >= 0 {
			continue
		}
		r.sessions = append(r.sessions, s)
	}
	// Loaded records come first, in load order; sessions added meanwhile follow.
	slices.SortStableFunc(r.sessions, func(a, b domain.Session) int {
		return loadRank(stored, a.Tenant.ID) - loadRank(stored, b.Tenant.ID)
	})

	persist := false
	switch {
	case r.currentID != 0:
		// A login completed during loading; keep its selection.
	case lastID != 0 && r.indexOf(lastID) >= 0:
		r.currentID = lastID
	case len(r.sessions) > 0:
		r.currentID = r.sessions[0].Tenant.ID
		persist = true
	}
	selected := r.currentID
	r.loaded = true
	r.removed = make(map[int64]struct{})
	r.metrics.Sessions(len(r.sessions))
	close(done)
	r.mu.Unlock()

	log.Info().Int("sessions", len(stored)).Int64("current_tenant_id", selected).Msg("session: registry loaded")

	if persist {
		r.persistSelection(ctx, selected)
	}
	return nil
}

// loadRank orders stored sessions by load position and everything else after.
func loadRank(stored []domain.Session, tenantID int64) int {
	i := slices.IndexFunc(stored, func(s domain.Session) bool { return s.Tenant.ID == tenantID })
	if i < 0 {
		return len(stored)
	}
	return i
}

func (r *Registry) readStored(ctx context.Context) ([]domain.Session, int64) {
	ids, err := r.store.ListKnownTenantIDs(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("session: failed to read tenant index")
		ids = nil
	}

	results := make([]Validated, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			v, ok := r.store.Get(gctx, id)
			if !ok {
				log.Warn().Int64("tenant_id", id).Msg("session: skipping unreadable or invalid session")
				return nil
			}
			results[i] = v
			return nil
		})
	}
	_ = g.Wait()

	sessions := make([]domain.Session, 0, len(results))
	for _, v := range results {
		if v.Valid() {
			sessions = append(sessions, v.Session())
		}
	}
	return sessions, r.store.GetLastTenantID(ctx)
}

// AddSession validates candidate, upserts it by tenant id (keeping the
// position of an existing entry), persists it and makes it current.
func (r *Registry) AddSession(ctx context.Context, candidate any) error {
	v, ok := Validate(candidate)
	if !ok {
		return fmt.Errorf("session.AddSession: %w", ErrInvalidSession)
	}
	s := v.Session()

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.store.Put(ctx, v); err != nil {
		r.metrics.StoreError("add_session")
		log.Error().Err(err).Int64("tenant_id", s.Tenant.ID).Msg("session: failed to persist session")
	}

	r.mu.Lock()
	changed := true
	if i := r.indexOf(s.Tenant.ID); i >= 0 {
		changed = r.sessions[i].Auth != s.Auth
		r.sessions[i] = s
	} else {
		r.sessions = append(r.sessions, s)
	}
	delete(r.removed, s.Tenant.ID)
	r.currentID = s.Tenant.ID
	hooks := slices.Clone(r.onChange)
	r.metrics.Sessions(len(r.sessions))
	r.mu.Unlock()

	r.persistSelection(ctx, s.Tenant.ID)

	if changed {
		for _, fn := range hooks {
			fn(ctx, s.Tenant.ID)
		}
	}

	log.Info().Int64("tenant_id", s.Tenant.ID).Str("tenant_slug", s.Tenant.Slug).Msg("session: added")
	return nil
}

// SwitchToSession selects tenantID. Selecting the current tenant again is a
// no-op without any store write.
func (r *Registry) SwitchToSession(ctx context.Context, tenantID int64) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.currentID == tenantID && tenantID != 0 {
		r.mu.Unlock()
		return nil
	}
	if r.indexOf(tenantID) < 0 {
		r.mu.Unlock()
		return fmt.Errorf("session.SwitchToSession %d: %w", tenantID, domain.ErrSessionNotFound)
	}
	r.currentID = tenantID
	r.mu.Unlock()

	r.persistSelection(ctx, tenantID)
	return nil
}

// RemoveSession purges tenantID from the store and from memory. When it was
// current, the first remaining session (or none) becomes current.
func (r *Registry) RemoveSession(ctx context.Context, tenantID int64) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.store.Remove(ctx, tenantID); err != nil {
		log.Error().Err(err).Int64("tenant_id", tenantID).Msg("session: store cleanup incomplete")
	}

	r.mu.Lock()
	if r.loadDone != nil && !r.loaded {
		r.removed[tenantID] = struct{}{}
	}
	i := r.indexOf(tenantID)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("session.RemoveSession %d: %w", tenantID, domain.ErrSessionNotFound)
	}
	r.sessions = slices.Delete(r.sessions, i, i+1)

	reselected := false
	if r.currentID == tenantID {
		r.currentID = 0
		if len(r.sessions) > 0 {
			r.currentID = r.sessions[0].Tenant.ID
		}
		reselected = true
	}
	selected := r.currentID
	hooks := slices.Clone(r.onRemove)
	r.metrics.Sessions(len(r.sessions))
	r.mu.Unlock()

	if reselected {
		r.persistSelection(ctx, selected)
	}

	for _, fn := range hooks {
		fn(tenantID)
	}

	log.Info().Int64("tenant_id", tenantID).Int64("current_tenant_id", selected).Msg("session: removed")
	return nil
}

// UpdateCredential replaces the credential of a loaded session. The store is
// written before memory is updated and before the session is returned, so
// memory never runs ahead of durable state.
func (r *Registry) UpdateCredential(ctx context.Context, tenantID int64, cred domain.AuthCredential) (domain.Session, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	current, ok := r.Session(tenantID)
	if !ok {
		return domain.Session{}, fmt.Errorf("session.UpdateCredential %d: %w", tenantID, domain.ErrSessionNotFound)
	}

	v, ok := Validate(current.WithAuth(cred))
	if !ok {
		return domain.Session{}, fmt.Errorf("session.UpdateCredential %d: %w", tenantID, ErrInvalidSession)
	}

	if err := r.store.Put(ctx, v); err != nil {
		r.metrics.StoreError("update_credential")
		log.Error().Err(err).Int64("tenant_id", tenantID).Msg("session: failed to persist refreshed credential")
	}

	updated := v.Session()
	r.mu.Lock()
	if i := r.indexOf(tenantID); i >= 0 {
		r.sessions[i] = updated
	}
	r.mu.Unlock()

	return updated, nil
}

// Session returns the loaded session for tenantID.
func (r *Registry) Session(tenantID int64) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexOf(tenantID); i >= 0 {
		return r.sessions[i], true
	}
	return domain.Session{}, false
}

// Sessions returns a copy of the loaded sessions in insertion order.
func (r *Registry) Sessions() []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.sessions)
}

// CurrentTenantID returns the selected tenant id, 0 when none.
func (r *Registry) CurrentTenantID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.currentID
}

// CurrentSession returns the session of the selected tenant.
func (r *Registry) CurrentSession() (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.currentID == 0 {
		return domain.Session{}, false
	}
	if i := r.indexOf(r.currentID); i >= 0 {
		return r.sessions[i], true
	}
	return domain.Session{}, false
}

// Loaded reports whether LoadAll has completed.
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.loaded
}

func (r *Registry) persistSelection(ctx context.Context, tenantID int64) {
	if err := r.store.SetLastTenantID(ctx, tenantID); err != nil {
		r.metrics.StoreError("set_last_tenant")
		log.Error().Err(err).Int64("tenant_id", tenantID).Msg("session: failed to persist selection")
	}
}

// indexOf must be called with mu held.
func (r *Registry) indexOf(tenantID int64) int {
	return slices.IndexFunc(r.sessions, func(s domain.Session) bool { return s.Tenant.ID == tenantID })
}

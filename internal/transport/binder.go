// Package transport binds outbound HTTP clients to a tenant: every request
// carries the tenant routing header, a fresh bearer token when one exists and
// a request id, and is served from a cache that belongs to that tenant only.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/tenantauth/internal/credstore"
	"github.com/gosuda/tenantauth/internal/domain"
	"github.com/gosuda/tenantauth/internal/metrics"
	"github.com/gosuda/tenantauth/internal/store"
)

// Defaults applied by NewBinder for zero Options fields.
const (
	DefaultClientName  = "tenantauth"
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultCacheSize   = 256
	DefaultCacheTTL    = 5 * time.Minute
)

// TokenProvider resolves the bearer token of a tenant. *auth.Refresher
// implements it.
type TokenProvider interface {
	AccessToken(ctx context.Context, tenantID int64) (string, error)
}

// SnapshotStore persists cache snapshots. *credstore.Store implements it.
type SnapshotStore interface {
	PutTenantData(ctx context.Context, tenantID int64, kind string, data []byte) error
	GetTenantData(ctx context.Context, tenantID int64, kind string) ([]byte, error)
	DeleteTenantData(ctx context.Context, tenantID int64, kind string) error
}

// Options configures a Binder.
type Options struct {
	ClientName string
	// Base performs the actual round trips; http.DefaultTransport when nil.
	Base    http.RoundTripper
	Timeout time.Duration

	MaxAttempts int
	BaseDelay   time.Duration

	// RateLimit is requests per second per tenant; 0 disables limiting.
	RateLimit float64
	Burst     int

	CacheSize int
	CacheTTL  time.Duration

	Metrics *metrics.Metrics
}

// Binder hands out one Pipeline per tenant.
type Binder struct {
	tokens    TokenProvider
	snapshots SnapshotStore
	opts      Options

	mu        sync.Mutex
	pipelines map[int64]*Pipeline
}

// NewBinder creates a Binder. snapshots may be nil to keep caches in memory only.
func NewBinder(tokens TokenProvider, snapshots SnapshotStore, opts Options) *Binder {
	if opts.ClientName == "" {
		opts.ClientName = DefaultClientName
	}
	if opts.Base == nil {
		opts.Base = http.DefaultTransport
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Binder{
		tokens:    tokens,
		snapshots: snapshots,
		opts:      opts,
		pipelines: make(map[int64]*Pipeline),
	}
}

// Bind returns the pipeline for tenant, creating it on first use. A new
// pipeline starts from the tenant's persisted cache snapshot, if any.
func (b *Binder) Bind(ctx context.Context, tenant domain.Tenant) *Pipeline {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.pipelines[tenant.ID]; ok {
		return p
	}

	p := b.newPipeline(tenant)
	b.restore(ctx, p)
	b.pipelines[tenant.ID] = p
	return p
}

// Evict drops the tenant's pipeline and its cache. It is registered as a
// session removal hook.
func (b *Binder) Evict(tenantID int64) {
	b.mu.Lock()
	p, ok := b.pipelines[tenantID]
	delete(b.pipelines, tenantID)
	b.mu.Unlock()

	if ok {
		p.cache.Purge()
		log.Debug().Int64("tenant_id", tenantID).Msg("transport: pipeline evicted")
	}
}

// Reset evicts the tenant's pipeline and deletes its persisted cache snapshot,
// so nothing cached under an earlier credential is served again. It is
// registered as a credential change hook.
func (b *Binder) Reset(ctx context.Context, tenantID int64) {
	b.Evict(tenantID)
	if b.snapshots == nil {
		return
	}
	if err := b.snapshots.DeleteTenantData(ctx, tenantID, credstore.KindCache); err != nil {
		log.Warn().Err(err).Int64("tenant_id", tenantID).Msg("transport: failed to delete cache snapshot")
	}
}

// Flush snapshots every pipeline's cache into the snapshot store.
func (b *Binder) Flush(ctx context.Context) error {
	if b.snapshots == nil {
		return nil
	}

	b.mu.Lock()
	pipelines := make([]*Pipeline, 0, len(b.pipelines))
	for _, p := range b.pipelines {
		pipelines = append(pipelines, p)
	}
	b.mu.Unlock()

	var errs []error
	for _, p := range pipelines {
		data, err := p.cache.snapshot()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.snapshots.PutTenantData(ctx, p.tenant.ID, credstore.KindCache, data); err != nil {
			errs = append(errs, fmt.Errorf("tenant %d: %w", p.tenant.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("transport.Flush: %w", err)
	}
	return nil
}

func (b *Binder) restore(ctx context.Context, p *Pipeline) {
	if b.snapshots == nil {
		return
	}

	data, err := b.snapshots.GetTenantData(ctx, p.tenant.ID, credstore.KindCache)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Int64("tenant_id", p.tenant.ID).Msg("transport: cache snapshot unreadable")
		}
		return
	}

	n, err := p.cache.restore(data, time.Now())
	if err != nil {
		log.Warn().Err(err).Int64("tenant_id", p.tenant.ID).Msg("transport: cache snapshot invalid")
		return
	}
	log.Debug().Int64("tenant_id", p.tenant.ID).Int("entries", n).Msg("transport: cache restored")
}

func (b *Binder) newPipeline(tenant domain.Tenant) *Pipeline {
	limit := rate.Inf
	if b.opts.RateLimit > 0 {
		limit = rate.Limit(b.opts.RateLimit)
	}

	p := &Pipeline{
		tenant:  tenant,
		cache:   newCache(b.opts.CacheSize, b.opts.CacheTTL),
		limiter: rate.NewLimiter(limit, b.opts.Burst),
	}
	p.client = &http.Client{
		Transport: &roundTripper{pipeline: p, binder: b},
		Timeout:   b.opts.Timeout,
	}
	return p
}

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/gosuda/tenantauth/internal/domain"
)

// Headers set on every request.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderCache     = "X-Cache"
)

// maxCachedBody caps the size of a response body that is kept in the cache.
const maxCachedBody = 4 << 20

// Pipeline is a tenant-bound HTTP client.
type Pipeline struct {
	tenant  domain.Tenant
	client  *http.Client
	cache   *Cache
	limiter *rate.Limiter
}

// Tenant returns the tenant the pipeline is bound to.
func (p *Pipeline) Tenant() domain.Tenant { return p.tenant }

// Client returns the tenant-bound HTTP client.
func (p *Pipeline) Client() *http.Client { return p.client }

// Cache returns the tenant's response cache.
func (p *Pipeline) Cache() *Cache { return p.cache }

type roundTripper struct {
	pipeline *Pipeline
	binder   *Binder
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	p, opts := rt.pipeline, rt.binder.opts
	ctx := req.Context()
	logger := log.With().Int64("tenant_id", p.tenant.ID).Str("method", req.Method).Str("url", req.URL.Redacted()).Logger()

	cacheable := req.Method == http.MethodGet && req.Header.Get("Cache-Control") != "no-cache"
	key := req.URL.String()
	if cacheable {
		e, hit := p.cache.Get(key)
		opts.Metrics.CacheLookup(hit)
		if hit {
			opts.Metrics.Request("cached")
			return cachedResponse(req, e), nil
		}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		opts.Metrics.Request("error")
		return nil, fmt.Errorf("transport: rate limit: %w", err)
	}

	out := req.Clone(ctx)
	out.Header.Set(domain.TenantHeader, p.tenant.RoutingHeader())
	out.Header.Set("User-Agent", opts.ClientName)
	if out.Header.Get(HeaderRequestID) == "" {
		out.Header.Set(HeaderRequestID, uuid.NewString())
	}
	out.Header.Del("Authorization")

	access, err := rt.binder.tokens.AccessToken(ctx, p.tenant.ID)
	switch {
	case err == nil:
		(&oauth2.Token{AccessToken: access, TokenType: "Bearer"}).SetAuthHeader(out)
	case errors.Is(err, domain.ErrNoCredential):
		// Anonymous tenant-scoped call.
		logger.Debug().Err(err).Msg("transport: no credential, sending without authorization")
	default:
		opts.Metrics.Request("error")
		return nil, fmt.Errorf("transport: resolving token: %w", err)
	}

	resp, err := rt.send(ctx, out, logger)
	if err != nil {
		opts.Metrics.Request("error")
		return nil, err
	}
	opts.Metrics.Request("sent")

	if cacheable && resp.StatusCode == http.StatusOK {
		return rt.store(key, resp, logger)
	}
	return resp, nil
}

// send performs req, retrying idempotent requests on transport errors and
// gateway failures with exponential backoff.
func (rt *roundTripper) send(ctx context.Context, req *http.Request, logger zerolog.Logger) (*http.Response, error) {
	opts := rt.binder.opts
	attempts := 1
	if retryable(req) {
		attempts = opts.MaxAttempts
	}

	delay := opts.BaseDelay
	for attempt := 1; ; attempt++ {
		try := req
		if attempt > 1 {
			try = req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("transport: rewinding body: %w", err)
				}
				try.Body = body
			}
		}

		resp, err := opts.Base.RoundTrip(try)
		if attempt >= attempts || !shouldRetry(resp, err) {
			return resp, err
		}

		if resp != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxCachedBody))
			resp.Body.Close()
			logger.Debug().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("transport: retrying")
		} else {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("transport: retrying")
		}
		opts.Metrics.Request("retry")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("transport: %w", ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
}

func (rt *roundTripper) store(key string, resp *http.Response, logger zerolog.Logger) (*http.Response, error) {
	orig := resp.Body
	body, err := io.ReadAll(io.LimitReader(orig, maxCachedBody+1))
	if err != nil {
		orig.Close()
		return nil, fmt.Errorf("transport: reading body: %w", err)
	}

	if len(body) > maxCachedBody {
		logger.Debug().Msg("transport: response too large to cache")
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), orig), Closer: orig}
		return resp, nil
	}
	orig.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	rt.pipeline.cache.Add(key, Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	})
	return resp, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func retryable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	default:
		return false
	}
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func cachedResponse(req *http.Request, e Entry) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderCache, "hit")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

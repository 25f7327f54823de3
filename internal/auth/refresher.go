package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/gosuda/tenantauth/internal/domain"
	"github.com/gosuda/tenantauth/internal/metrics"
	"github.com/gosuda/tenantauth/internal/token"
)

// DefaultRefreshTimeout bounds a single refresh exchange.
const DefaultRefreshTimeout = 30 * time.Second

// Sessions is the part of the session registry the refresher works against.
type Sessions interface {
	Session(tenantID int64) (domain.Session, bool)
	UpdateCredential(ctx context.Context, tenantID int64, cred domain.AuthCredential) (domain.Session, error)
	RemoveSession(ctx context.Context, tenantID int64) error
}

// Exchanger performs the refresh-token exchange. *Client implements it.
type Exchanger interface {
	Refresh(ctx context.Context, tenant domain.Tenant, refreshToken string) (domain.AuthCredential, error)
}

// RefresherOptions tunes a Refresher. Zero values pick the defaults.
type RefresherOptions struct {
	AccessTokenBuffer time.Duration
	Timeout           time.Duration
	// PurgeOnNetworkError treats an unreachable refresh endpoint like a
	// rejection and drops the session.
	PurgeOnNetworkError bool
	Inspector           token.Inspector
	Metrics             *metrics.Metrics
}

// Refresher hands out usable access tokens, renewing them when they are about
// to expire. Concurrent callers for the same tenant share one exchange.
type Refresher struct {
	sessions  Sessions
	exchanger Exchanger
	opts      RefresherOptions

	flights singleflight.Group
}

// NewRefresher creates a Refresher.
func NewRefresher(sessions Sessions, exchanger Exchanger, opts RefresherOptions) *Refresher {
	if opts.AccessTokenBuffer <= 0 {
		opts.AccessTokenBuffer = token.AccessTokenBuffer
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRefreshTimeout
	}
	return &Refresher{sessions: sessions, exchanger: exchanger, opts: opts}
}

// AccessToken returns a usable access token for tenantID, refreshing it first
// when needed. Failures are reported as domain.ErrNoCredential. Cancelling ctx
// stops the wait, never an exchange already on the wire.
func (r *Refresher) AccessToken(ctx context.Context, tenantID int64) (string, error) {
	sess, ok := r.sessions.Session(tenantID)
	if !ok {
		r.opts.Metrics.Refresh(metrics.RefreshMissing)
		return "", fmt.Errorf("auth.AccessToken %d: %w", tenantID, domain.ErrNoCredential)
	}
	if r.usable(sess.Auth.AccessToken) {
		r.opts.Metrics.Refresh(metrics.RefreshFresh)
		return sess.Auth.AccessToken, nil
	}

	exchangeCtx := context.WithoutCancel(ctx)
	ch := r.flights.DoChan(strconv.FormatInt(tenantID, 10), func() (any, error) {
		return r.refresh(exchangeCtx, tenantID)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("auth.AccessToken %d: %w", tenantID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil //nolint:forcetypeassert // refresh only returns strings
	}
}

// TokenSource adapts AccessToken to oauth2.TokenSource for tenantID.
func (r *Refresher) TokenSource(tenantID int64) oauth2.TokenSource {
	return tokenSource{r: r, tenantID: tenantID}
}

func (r *Refresher) usable(access string) bool {
	return access != "" && !r.opts.Inspector.IsExpired(access, r.opts.AccessTokenBuffer)
}

func (r *Refresher) refresh(ctx context.Context, tenantID int64) (string, error) {
	// A flight that finished just before this one started may already have
	// renewed the credential.
	sess, ok := r.sessions.Session(tenantID)
	if !ok {
		r.opts.Metrics.Refresh(metrics.RefreshMissing)
		return "", fmt.Errorf("auth.AccessToken %d: %w", tenantID, domain.ErrNoCredential)
	}
	if r.usable(sess.Auth.AccessToken) {
		r.opts.Metrics.Refresh(metrics.RefreshFresh)
		return sess.Auth.AccessToken, nil
	}

	logger := log.With().Int64("tenant_id", tenantID).Str("tenant_slug", sess.Tenant.Slug).Logger()

	if r.opts.Inspector.IsExpired(sess.Auth.RefreshToken, token.RefreshTokenBuffer) {
		r.opts.Metrics.Refresh(metrics.RefreshExpired)
		logger.Info().Msg("auth: refresh token expired, dropping session")
		r.purge(ctx, tenantID)
		return "", fmt.Errorf("auth.AccessToken %d: refresh token expired: %w", tenantID, domain.ErrNoCredential)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	cred, err := r.exchanger.Refresh(exchangeCtx, sess.Tenant, sess.Auth.RefreshToken)
	cancel()
	if err != nil {
		if errors.Is(err, ErrRefreshUnavailable) && !r.opts.PurgeOnNetworkError {
			r.opts.Metrics.Refresh(metrics.RefreshUnavailable)
			logger.Warn().Err(err).Msg("auth: refresh endpoint unavailable, keeping session")
			return "", fmt.Errorf("auth.AccessToken %d: %w: %w", tenantID, domain.ErrNoCredential, err)
		}
		r.opts.Metrics.Refresh(metrics.RefreshRejected)
		logger.Warn().Err(err).Msg("auth: refresh failed, dropping session")
		r.purge(ctx, tenantID)
		return "", fmt.Errorf("auth.AccessToken %d: %w: %w", tenantID, domain.ErrNoCredential, err)
	}

	updated, err := r.sessions.UpdateCredential(ctx, tenantID, cred)
	if err != nil {
		// The session was removed while the exchange was in flight.
		logger.Warn().Err(err).Msg("auth: discarding refreshed credential")
		return "", fmt.Errorf("auth.AccessToken %d: %w: %w", tenantID, domain.ErrNoCredential, err)
	}

	r.opts.Metrics.Refresh(metrics.RefreshRenewed)
	logger.Debug().Msg("auth: credential refreshed")
	return updated.Auth.AccessToken, nil
}

func (r *Refresher) purge(ctx context.Context, tenantID int64) {
	if err := r.sessions.RemoveSession(ctx, tenantID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Error().Err(err).Int64("tenant_id", tenantID).Msg("auth: failed to drop session")
	}
}

type tokenSource struct {
	r        *Refresher
	tenantID int64
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	access, err := s.r.AccessToken(context.Background(), s.tenantID)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if exp, ok := s.r.opts.Inspector.ExpiresAt(access); ok {
		tok.Expiry = exp
	}
	return tok, nil
}

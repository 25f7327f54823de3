package auth_test

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantauth/internal/auth"
	"github.com/gosuda/tenantauth/internal/backendtest"
	"github.com/gosuda/tenantauth/internal/credstore"
	"github.com/gosuda/tenantauth/internal/domain"
	"github.com/gosuda/tenantauth/internal/secrets"
	"github.com/gosuda/tenantauth/internal/session"
	"github.com/gosuda/tenantauth/internal/store/memory"
	"github.com/gosuda/tenantauth/internal/token"
)

type harness struct {
	srv       *backendtest.Server
	store     *credstore.Store
	registry  *session.Registry
	refresher *auth.Refresher
}

func newHarness(t *testing.T, opts auth.RefresherOptions) *harness {
	t.Helper()

	srv := newBackend(t)

	key := make([]byte, secrets.KeyLen)
	_, err := rand.Read(key)
	require.NoError(t, err)
	store, err := credstore.Open(context.Background(), memory.New(), credstore.Options{Key: key})
	require.NoError(t, err)

	reg := session.NewRegistry(store, nil)
	require.NoError(t, reg.LoadAll(context.Background()))

	client := auth.NewClient(srv.APIURL(), "test-client", nil, nil)
	return &harness{
		srv:       srv,
		store:     store,
		registry:  reg,
		refresher: auth.NewRefresher(reg, client, opts),
	}
}

// addSession logs tenant in with its access token replaced by access (kept
// as issued when access is empty).
func (h *harness) addSession(t *testing.T, tenant domain.Tenant, access string) domain.Session {
	t.Helper()

	sess, err := h.srv.IssueSession(tenant, "ada")
	require.NoError(t, err)
	if access != "" {
		sess.Auth.AccessToken = access
	}
	require.NoError(t, h.registry.AddSession(context.Background(), sess))
	return sess
}

func TestRefresher_FreshTokenSkipsNetwork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	sess := h.addSession(t, tenantA, "")

	got, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Auth.AccessToken, got)
	assert.Equal(t, int64(0), h.srv.Exchanges())
}

func TestRefresher_ExpiringWithinBufferRefreshes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	old := h.addSession(t, tenantA, backendtest.TokenExpiringAt(time.Now().Add(200*time.Second)))

	got, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.Auth.AccessToken, got)
	assert.Equal(t, int64(1), h.srv.Exchanges())

	mem, ok := h.registry.Session(tenantA.ID)
	require.True(t, ok)
	assert.Equal(t, got, mem.Auth.AccessToken)
	assert.NotEqual(t, old.Auth.RefreshToken, mem.Auth.RefreshToken)

	stored, ok := h.store.Get(context.Background(), tenantA.ID)
	require.True(t, ok)
	assert.Equal(t, mem.Auth, stored.Session().Auth, "store holds the refreshed pair")

	again, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, int64(1), h.srv.Exchanges())
}

func TestRefresher_MissingAccessTokenRefreshes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	sess, err := h.srv.IssueSession(tenantA, "ada")
	require.NoError(t, err)
	sess.Auth.AccessToken = ""
	require.NoError(t, h.registry.AddSession(context.Background(), sess))

	got, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.Equal(t, int64(1), h.srv.Exchanges())
}

func TestRefresher_ConcurrentCallersShareOneExchange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	h.addSession(t, tenantA, backendtest.TokenExpiringAt(time.Now().Add(-time.Minute)))
	h.srv.SetRefreshDelay(200 * time.Millisecond)

	const callers = 16
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = h.refresher.AccessToken(context.Background(), tenantA.ID)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	assert.Equal(t, int64(1), h.srv.Exchanges())
}

func TestRefresher_TenantsRefreshIndependently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	expired := backendtest.TokenExpiringAt(time.Now().Add(-time.Minute))
	h.addSession(t, tenantA, expired)
	h.addSession(t, tenantB, expired)

	var wg sync.WaitGroup
	for _, id := range []int64{tenantA.ID, tenantB.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.refresher.AccessToken(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), h.srv.Exchanges())
}

func TestRefresher_RejectionPurgesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	h.addSession(t, tenantB, "")
	h.addSession(t, tenantA, backendtest.TokenExpiringAt(time.Now().Add(-time.Minute)))
	h.srv.FailNext(backendtest.RefreshPath, 401, 1)

	_, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
	require.ErrorIs(t, err, domain.ErrNoCredential)
	require.ErrorIs(t, err, auth.ErrRefreshRejected)

	_, ok := h.registry.Session(tenantA.ID)
	assert.False(t, ok)
	_, ok = h.store.Get(context.Background(), tenantA.ID)
	assert.False(t, ok)
	assert.Equal(t, tenantB.ID, h.registry.CurrentTenantID(), "remaining session is selected")

	_, err = h.refresher.AccessToken(context.Background(), tenantA.ID)
	require.ErrorIs(t, err, domain.ErrNoCredential)
	assert.Equal(t, int64(1), h.srv.Exchanges())
}

func TestRefresher_ExpiredRefreshTokenPurgesWithoutExchange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	sess := domain.Session{
		Tenant: tenantA,
		Auth: domain.AuthCredential{
			AccessToken:  backendtest.TokenExpiringAt(time.Now().Add(-time.Hour)),
			RefreshToken: backendtest.TokenExpiringAt(time.Now().Add(-time.Minute)),
		},
	}
	require.NoError(t, h.registry.AddSession(context.Background(), sess))

	_, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
	require.ErrorIs(t, err, domain.ErrNoCredential)
	assert.Equal(t, int64(0), h.srv.Exchanges())

	_, ok := h.registry.Session(tenantA.ID)
	assert.False(t, ok)
	assert.Equal(t, int64(0), h.registry.CurrentTenantID())
}

func TestRefresher_UndecodableRefreshTokenPurges(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	sess := domain.Session{
		Tenant: tenantA,
		Auth:   domain.AuthCredential{RefreshToken: "not-a-jwt"},
	}
	require.NoError(t, h.registry.AddSession(context.Background(), sess))

	_, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
	require.ErrorIs(t, err, domain.ErrNoCredential)
	assert.Equal(t, int64(0), h.srv.Exchanges())
	assert.Empty(t, h.registry.Sessions())
}

func TestRefresher_UnavailableKeepsSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
	}{
		{name: "connection dropped", status: backendtest.DropConnection},
		{name: "internal server error", status: 500},
		{name: "service unavailable", status: 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, auth.RefresherOptions{})
			old := h.addSession(t, tenantA, backendtest.TokenExpiringAt(time.Now().Add(-time.Minute)))
			h.srv.FailNext(backendtest.RefreshPath, tt.status, 1)

			_, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
			require.ErrorIs(t, err, domain.ErrNoCredential)
			require.ErrorIs(t, err, auth.ErrRefreshUnavailable)

			mem, ok := h.registry.Session(tenantA.ID)
			require.True(t, ok, "session survives a transport failure")
			assert.Equal(t, old.Auth, mem.Auth)

			got, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
			require.NoError(t, err, "next attempt succeeds once the backend is back")
			assert.NotEmpty(t, got)
		})
	}
}

func TestRefresher_PurgeOnNetworkError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
	}{
		{name: "connection dropped", status: backendtest.DropConnection},
		{name: "internal server error", status: 500},
		{name: "service unavailable", status: 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, auth.RefresherOptions{PurgeOnNetworkError: true})
			h.addSession(t, tenantA, backendtest.TokenExpiringAt(time.Now().Add(-time.Minute)))
			h.srv.FailNext(backendtest.RefreshPath, tt.status, 1)

			_, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
			require.ErrorIs(t, err, domain.ErrNoCredential)

			_, ok := h.registry.Session(tenantA.ID)
			assert.False(t, ok)
		})
	}
}

func TestRefresher_UnknownTenant(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	_, err := h.refresher.AccessToken(context.Background(), 77)
	require.ErrorIs(t, err, domain.ErrNoCredential)
}

func TestRefresher_AbandonedWaitDoesNotAbortExchange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	old := h.addSession(t, tenantA, backendtest.TokenExpiringAt(time.Now().Add(-time.Minute)))
	h.srv.SetRefreshDelay(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.refresher.AccessToken(ctx, tenantA.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		mem, ok := h.registry.Session(tenantA.ID)
		return ok && mem.Auth.RefreshToken != old.Auth.RefreshToken
	}, 5*time.Second, 20*time.Millisecond, "exchange completes after the caller left")
	assert.Equal(t, int64(1), h.srv.Exchanges())
}

func TestRefresher_TokenSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	sess := h.addSession(t, tenantA, "")

	tok, err := h.refresher.TokenSource(tenantA.ID).Token()
	require.NoError(t, err)
	assert.Equal(t, sess.Auth.AccessToken, tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
	assert.True(t, tok.Valid())
	assert.False(t, tok.Expiry.IsZero())

	_, err = h.refresher.TokenSource(99).Token()
	require.ErrorIs(t, err, domain.ErrNoCredential)
}

func TestRefresher_InjectedClock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	sess := h.addSession(t, tenantA, "")

	// An hour-long access token looks stale from two hours in the future.
	// The refresh token (24h) is still good, so the refresher renews.
	late := auth.NewRefresher(h.registry, auth.NewClient(h.srv.APIURL(), "test", nil, nil), auth.RefresherOptions{
		Inspector: tokenClock(time.Now().Add(2 * time.Hour)),
	})
	got, err := late.AccessToken(context.Background(), tenantA.ID)
	require.NoError(t, err)
	assert.NotEqual(t, sess.Auth.AccessToken, got)
	assert.Equal(t, int64(1), h.srv.Exchanges())
}

func tokenClock(at time.Time) token.Inspector {
	return token.Inspector{Now: func() time.Time { return at }}
}

func TestRefresher_AccessWithoutExpiryRefreshes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, auth.RefresherOptions{})
	h.addSession(t, tenantA, backendtest.TokenWithoutExpiry())

	got, err := h.refresher.AccessToken(context.Background(), tenantA.ID)
	require.NoError(t, err)
	assert.NotEqual(t, backendtest.TokenWithoutExpiry(), got)
	assert.Equal(t, int64(1), h.srv.Exchanges())
}

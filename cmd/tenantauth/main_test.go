package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantauth/internal/auth"
	"github.com/gosuda/tenantauth/internal/backendtest"
	"github.com/gosuda/tenantauth/internal/config"
	"github.com/gosuda/tenantauth/internal/domain"
	"github.com/gosuda/tenantauth/internal/store"
	"github.com/gosuda/tenantauth/internal/store/memory"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

type cli struct {
	t   *testing.T
	srv *backendtest.Server
	kv  store.KV
}

func newCLI(t *testing.T) *cli {
	t.Helper()

	srv := backendtest.New()
	t.Cleanup(srv.Close)
	require.NoError(t, srv.AddUser("ada", "secret",
		domain.TenantDescriptor{ID: 1, Slug: "alpha", Title: "Alpha School"},
		domain.TenantDescriptor{ID: 2, Slug: "beta", Title: "Beta School"},
	))
	require.NoError(t, srv.AddUser("bob", "hunter2", domain.TenantDescriptor{ID: 1, Slug: "alpha", Title: "Alpha School"}))

	return &cli{t: t, srv: srv, kv: memory.New()}
}

func (c *cli) config() *config.Config {
	return &config.Config{
		API:   config.APIConfig{URL: c.srv.APIURL(), ClientName: "tenantauth-test", HTTPTimeout: 5 * time.Second},
		Store: config.StoreConfig{Backend: config.BackendMemory, Key: testKey},
		Refresh: config.RefreshConfig{
			AccessTokenBuffer: 5 * time.Minute,
			Timeout:           5 * time.Second,
		},
		Transport: config.TransportConfig{
			RetryMaxAttempts: 2,
			RetryBaseDelay:   time.Millisecond,
			RateLimitBurst:   1,
			CacheSize:        16,
			CacheTTL:         time.Minute,
		},
	}
}

// run executes one command as a fresh process would, sharing only the store.
func (c *cli) run(stdin string, args ...string) (string, error) {
	c.t.Helper()

	ctx := context.Background()
	var out bytes.Buffer
	a, err := newApp(ctx, c.config(), c.kv, strings.NewReader(stdin), &out)
	require.NoError(c.t, err)
	err = a.execute(ctx, args)
	a.close(ctx)
	return out.String(), err
}

func TestCLI_Lookup(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	out, err := c.run("", "lookup", "ada")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "Beta School")

	_, err = c.run("", "lookup")
	require.ErrorIs(t, err, errUsage)

	_, err = c.run("", "lookup", "")
	var lookupErr *auth.LookupError
	require.ErrorAs(t, err, &lookupErr)
}

func TestCLI_LoginListTokenLogout(t *testing.T) {
	t.Parallel()

	c := newCLI(t)

	out, err := c.run("hunter2\n", "login", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "logged in to alpha")

	out, err = c.run("secret\n", "login", "ada", "beta")
	require.NoError(t, err)
	assert.Contains(t, out, "logged in to beta")

	out, err = c.run("", "list", "-json")
	require.NoError(t, err)
	var entries []listEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].TenantID)
	assert.False(t, entries[0].Current)
	assert.Equal(t, int64(2), entries[1].TenantID)
	assert.True(t, entries[1].Current)
	assert.NotNil(t, entries[1].AccessExpires)

	out, err = c.run("", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "*")
	assert.Contains(t, out, "beta")

	tok, err := c.run("", "token")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(tok))
	assert.Equal(t, int64(0), c.srv.Exchanges(), "fresh token needs no refresh")

	_, err = c.run("", "switch", "1")
	require.NoError(t, err)
	_, err = c.run("", "switch", "9")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = c.run("", "switch", "abc")
	require.ErrorIs(t, err, errUsage)

	_, err = c.run("", "logout")
	require.NoError(t, err)

	out, err = c.run("", "list", "-json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].TenantID)
	assert.True(t, entries[0].Current, "remaining session is selected")

	_, err = c.run("", "logout", "2")
	require.NoError(t, err)

	_, err = c.run("", "token")
	require.ErrorIs(t, err, domain.ErrNoCredential)
	_, err = c.run("", "logout")
	require.ErrorIs(t, err, domain.ErrNoCredential)
}

func TestCLI_LoginFailures(t *testing.T) {
	t.Parallel()

	c := newCLI(t)

	_, err := c.run("secret\n", "login", "ada")
	require.ErrorIs(t, err, errUsage, "ambiguous tenant")

	_, err = c.run("wrong\n", "login", "ada", "alpha")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = c.run("secret\n", "login", "ada", "gamma")
	require.Error(t, err)

	_, err = c.run("", "login", "bob")
	require.Error(t, err, "empty password")

	_, err = c.run("", "login", "nobody")
	require.Error(t, err)

	out, err := c.run("", "list", "-json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestCLI_Get(t *testing.T) {
	t.Parallel()

	c := newCLI(t)

	_, err := c.run("", "get", backendtest.EchoPath)
	require.ErrorIs(t, err, domain.ErrNoCredential)

	_, err = c.run("hunter2\n", "login", "bob")
	require.NoError(t, err)

	out, err := c.run("", "get", backendtest.EchoPath)
	require.NoError(t, err)
	var echo backendtest.Echo
	require.NoError(t, json.Unmarshal([]byte(out), &echo))
	assert.Equal(t, "id:1", echo.Tenant)
	assert.True(t, strings.HasPrefix(echo.Authorization, "Bearer "))
	assert.Equal(t, "tenantauth-test", echo.UserAgent)
	assert.Equal(t, "bob", echo.User, "backend accepted the bearer token")

	// The response cache survives across invocations through the store.
	_, err = c.run("", "get", backendtest.EchoPath)
	require.NoError(t, err)
	assert.Equal(t, 1, c.srv.Hits(backendtest.EchoPath))

	_, err = c.run("", "get", "-no-cache", backendtest.EchoPath)
	require.NoError(t, err)
	assert.Equal(t, 2, c.srv.Hits(backendtest.EchoPath))

	_, err = c.run("", "get")
	require.ErrorIs(t, err, errUsage)
}

func TestCLI_RejectedRefreshRequiresLogin(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	c.srv.SetTokenTTL(time.Minute, time.Hour) // access tokens are born inside the refresh buffer

	_, err := c.run("hunter2\n", "login", "bob")
	require.NoError(t, err)

	c.srv.FailNext(backendtest.RefreshPath, 401, 1)
	_, err = c.run("", "token")
	require.ErrorIs(t, err, domain.ErrNoCredential)

	out, err := c.run("", "list", "-json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out, "rejected session is purged from the store")
}

func TestCLI_TokenRefreshesAndPersists(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	c.srv.SetTokenTTL(time.Minute, time.Hour)

	_, err := c.run("hunter2\n", "login", "bob")
	require.NoError(t, err)

	first, err := c.run("", "token")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.srv.Exchanges())

	// Single-use refresh tokens: a second invocation only works if the first
	// persisted the rotated pair.
	second, err := c.run("", "token")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.srv.Exchanges())
	assert.NotEqual(t, first, second)
}

func TestCLI_UnknownCommand(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	_, err := c.run("", "frobnicate")
	require.ErrorIs(t, err, errUsage)

	out, err := c.run("", "help")
	require.NoError(t, err)
	assert.Contains(t, out, "usage: tenantauth")
}

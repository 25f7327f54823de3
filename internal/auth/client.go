// Package auth talks to a tenant backend's authentication endpoints and keeps
// each tenant's access token usable through the refresh protocol.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gosuda/tenantauth/internal/domain"
	"github.com/gosuda/tenantauth/internal/metrics"
)

// Sentinel errors for the auth package.
var (
	// ErrRefreshRejected: the backend answered the exchange and said no (4xx,
	// or a 2xx without a complete token pair). The session is dead.
	ErrRefreshRejected = errors.New("auth: refresh rejected") //nolint:gochecknoglobals // sentinel error

	// ErrRefreshUnavailable: the exchange did not get a definite answer
	// (network failure, 5xx).
	ErrRefreshUnavailable = errors.New("auth: refresh endpoint unavailable") //nolint:gochecknoglobals // sentinel error

	ErrInvalidCredentials = errors.New("auth: invalid credentials") //nolint:gochecknoglobals // sentinel error
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 1 << 20

const loginMutation = `mutation Login($username: String!, $password: String!) {
  login(username: $username, password: $password) {
    accessToken
    refreshToken
  }
}`

// LookupError carries the message of a failed tenant lookup.
type LookupError struct {
	Message string
}

func (e *LookupError) Error() string {
	return "auth: tenant lookup failed: " + e.Message
}

// Client calls the backend's public and authentication endpoints.
type Client struct {
	apiURL     string
	clientName string
	http       *http.Client
	metrics    *metrics.Metrics
}

// NewClient creates a backend client. apiURL is the API root, e.g.
// "https://example.org/api". A nil httpClient uses http.DefaultClient.
func NewClient(apiURL, clientName string, httpClient *http.Client, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		clientName: clientName,
		http:       httpClient,
		metrics:    m,
	}
}

// APIURL returns the configured API root.
func (c *Client) APIURL() string { return c.apiURL }

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Refresh exchanges refreshToken for a new credential pair.
func (c *Client) Refresh(ctx context.Context, tenant domain.Tenant, refreshToken string) (domain.AuthCredential, error) {
	c.metrics.Exchange()

	form := url.Values{"token": {refreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/auth/token/refresh", strings.NewReader(form.Encode()))
	if err != nil {
		return domain.AuthCredential{}, fmt.Errorf("auth.Refresh: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setHeaders(req, tenant.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.AuthCredential{}, fmt.Errorf("auth.Refresh: %w: %w", ErrRefreshUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return domain.AuthCredential{}, fmt.Errorf("auth.Refresh: status %d: %w", resp.StatusCode, ErrRefreshUnavailable)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return domain.AuthCredential{}, fmt.Errorf("auth.Refresh: status %d: %w", resp.StatusCode, ErrRefreshRejected)
	case err != nil:
		return domain.AuthCredential{}, fmt.Errorf("auth.Refresh: reading body: %w: %w", ErrRefreshUnavailable, err)
	}

	var pair tokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return domain.AuthCredential{}, fmt.Errorf("auth.Refresh: decoding body: %w", ErrRefreshRejected)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return domain.AuthCredential{}, fmt.Errorf("auth.Refresh: incomplete token pair: %w", ErrRefreshRejected)
	}

	return domain.AuthCredential{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

type lookupResponse struct {
	Success bool                      `json:"success"`
	Tenants []domain.TenantDescriptor `json:"tenants"`
	Error   string                    `json:"error"`
}

// LookupTenants lists the tenants username belongs to. It needs no credential.
func (c *Client) LookupTenants(ctx context.Context, username string) ([]domain.TenantDescriptor, error) {
	u := c.apiURL + "/public/user-tenants?" + url.Values{"username": {username}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("auth.LookupTenants: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.clientName)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth.LookupTenants: %w", err)
	}
	defer resp.Body.Close()

	var out lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("auth.LookupTenants: status %d: decoding body: %w", resp.StatusCode, err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("auth.LookupTenants: %w", &LookupError{Message: msg})
	}
	if out.Tenants == nil {
		out.Tenants = []domain.TenantDescriptor{}
	}
	return out.Tenants, nil
}

type graphQLRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

type loginResponse struct {
	Data struct {
		Login *tokenPair `json:"login"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Login runs the login mutation against tenant. It creates no local state;
// callers hand the returned session to the registry.
func (c *Client) Login(ctx context.Context, tenant domain.Tenant, username, password string) (domain.Session, error) {
	payload, err := json.Marshal(graphQLRequest{
		Query:     loginMutation,
		Variables: map[string]string{"username": username, "password": password},
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("auth.Login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/graphql", bytes.NewReader(payload))
	if err != nil {
		return domain.Session{}, fmt.Errorf("auth.Login: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, tenant.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Session{}, fmt.Errorf("auth.Login: %w", err)
	}
	defer resp.Body.Close()

	var out loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return domain.Session{}, fmt.Errorf("auth.Login: status %d: decoding body: %w", resp.StatusCode, err)
	}
	if len(out.Errors) > 0 {
		return domain.Session{}, fmt.Errorf("auth.Login: %s: %w", out.Errors[0].Message, ErrInvalidCredentials)
	}
	if out.Data.Login == nil || out.Data.Login.AccessToken == "" || out.Data.Login.RefreshToken == "" {
		return domain.Session{}, fmt.Errorf("auth.Login: no token issued: %w", ErrInvalidCredentials)
	}

	return domain.Session{
		Tenant: tenant,
		Auth: domain.AuthCredential{
			AccessToken:  out.Data.Login.AccessToken,
			RefreshToken: out.Data.Login.RefreshToken,
		},
	}, nil
}

func (c *Client) setHeaders(req *http.Request, tenantID int64) {
	req.Header.Set(domain.TenantHeader, domain.TenantHeaderValue(tenantID))
	req.Header.Set("User-Agent", c.clientName)
	req.Header.Set("Accept", "application/json")
}

// Package backendtest runs an in-process fake of the multi-tenant backend:
// token refresh, tenant lookup, the GraphQL login mutation and an echo
// endpoint for transport tests. Refresh tokens are single-use, like the real
// backend's.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gosuda/tenantauth/internal/domain"
)

// DropConnection as a FailNext status closes the connection without a response.
const DropConnection = -1

// Paths relative to APIURL.
const (
	RefreshPath = "/auth/token/refresh"
	LookupPath  = "/public/user-tenants"
	GraphQLPath = "/graphql"
	EchoPath    = "/echo"
)

type user struct {
	passwordHash string
	tenants      []domain.TenantDescriptor
}

type failure struct {
	status    int
	remaining int
}

// Server is the fake backend. The zero value is not usable; call New.
type Server struct {
	ts     *httptest.Server
	secret string

	mu         sync.Mutex
	users      map[string]user
	refresh    map[string]struct{} // outstanding refresh tokens
	failures   map[string]*failure
	hits       map[string]int
	accessTTL  time.Duration
	refreshTTL time.Duration
	delay      time.Duration

	exchanges atomic.Int64
}

// New starts a fake backend. Close it when done.
func New() *Server {
	s := &Server{
		secret:     "backendtest-secret",
		users:      make(map[string]user),
		refresh:    make(map[string]struct{}),
		failures:   make(map[string]*failure),
		hits:       make(map[string]int),
		accessTTL:  time.Hour,
		refreshTTL: 24 * time.Hour,
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(s.countAndFail, resolveTenant, s.authenticate)
		r.Post(RefreshPath, s.handleRefresh)
		r.Get(LookupPath, s.handleLookup)
		r.Post(GraphQLPath, s.handleGraphQL)
		r.HandleFunc(EchoPath, s.handleEcho)
	})

	s.ts = httptest.NewServer(r)
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.ts.Close() }

// APIURL is the API root clients should be configured with.
func (s *Server) APIURL() string { return s.ts.URL + "/api" }

// AddUser registers username with the tenants it belongs to.
func (s *Server) AddUser(username, password string, tenants ...domain.TenantDescriptor) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[username] = user{passwordHash: hash, tenants: tenants}
	return nil
}

// IssueSession mints a valid credential pair for tenant without a login.
func (s *Server) IssueSession(tenant domain.Tenant, username string) (domain.Session, error) {
	cred, err := s.issuePair(tenant.ID, username)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{Tenant: tenant, Auth: cred}, nil
}

// SetTokenTTL changes the lifetime of tokens issued from now on.
func (s *Server) SetTokenTTL(access, refresh time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessTTL = access
	s.refreshTTL = refresh
}

// SetRefreshDelay holds every refresh exchange for d before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delay = d
}

// FailNext makes the next n requests to path (relative to APIURL) answer with
// status, or drop the connection for DropConnection.
func (s *Server) FailNext(path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures["/api"+path] = &failure{status: status, remaining: n}
}

// Exchanges counts refresh requests that reached the refresh handler.
func (s *Server) Exchanges() int64 { return s.exchanges.Load() }

// Hits counts every request to path, failed ones included.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hits["/api"+path]
}

func (s *Server) issuePair(tenantID int64, username string) (domain.AuthCredential, error) {
	s.mu.Lock()
	accessTTL, refreshTTL := s.accessTTL, s.refreshTTL
	s.mu.Unlock()

	access, err := issueToken(s.secret, tenantID, username, tokenTypeAccess, accessTTL)
	if err != nil {
		return domain.AuthCredential{}, err
	}
	refresh, err := issueToken(s.secret, tenantID, username, tokenTypeRefresh, refreshTTL)
	if err != nil {
		return domain.AuthCredential{}, err
	}

	s.mu.Lock()
	s.refresh[refresh] = struct{}{}
	s.mu.Unlock()

	return domain.AuthCredential{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Server) countAndFail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		var status int
		if f, ok := s.failures[r.URL.Path]; ok && f.remaining > 0 {
			f.remaining--
			status = f.status
		}
		s.mu.Unlock()

		switch {
		case status == DropConnection:
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusBadGateway)
		case status != 0:
			if r.URL.Path == "/api"+RefreshPath {
				s.exchanges.Add(1)
			}
			writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.exchanges.Add(1)

	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad form"})
		return
	}
	token := r.PostForm.Get("token")

	claims, err := validateToken(s.secret, token, tokenTypeRefresh)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	if id, ok := tenantIDFromContext(r.Context()); !ok || id != claims.TenantID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "tenant mismatch"})
		return
	}

	s.mu.Lock()
	_, outstanding := s.refresh[token]
	delete(s.refresh, token)
	s.mu.Unlock()
	if !outstanding {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "token already used"})
		return
	}

	cred, err := s.issuePair(claims.TenantID, claims.Username)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  cred.AccessToken,
		"refreshToken": cred.RefreshToken,
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "username is required"})
		return
	}

	s.mu.Lock()
	u, ok := s.users[username]
	s.mu.Unlock()

	tenants := []domain.TenantDescriptor{}
	if ok {
		tenants = append(tenants, u.tenants...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tenants": tenants})
}

type graphQLRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGraphQLError(w, "malformed request")
		return
	}

	tenantID, ok := tenantIDFromContext(r.Context())
	if !ok {
		writeGraphQLError(w, "tenant required")
		return
	}

	username, password := req.Variables["username"], req.Variables["password"]

	s.mu.Lock()
	u, known := s.users[username]
	s.mu.Unlock()

	if !known || !verifyPassword(password, u.passwordHash) || !memberOf(u.tenants, tenantID) {
		writeGraphQLError(w, "Invalid credentials")
		return
	}

	cred, err := s.issuePair(tenantID, username)
	if err != nil {
		writeGraphQLError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"login": map[string]string{
				"accessToken":  cred.AccessToken,
				"refreshToken": cred.RefreshToken,
			},
		},
	})
}

// Echo is the body returned by the echo endpoint.
type Echo struct {
	Method        string `json:"method"`
	Tenant        string `json:"tenant"`
	Authorization string `json:"authorization"`
	UserAgent     string `json:"userAgent"`
	RequestID     string `json:"requestId"`
	// User is the owner of a valid access token for the request's tenant.
	User string `json:"user"`
	Hit  int    `json:"hit"`
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hit := s.hits[r.URL.Path]
	s.mu.Unlock()

	user, _ := usernameFromContext(r.Context())
	_, hasAuth := r.Header["Authorization"]
	auth := r.Header.Get("Authorization")
	if !hasAuth {
		auth = "<none>"
	}

	writeJSON(w, http.StatusOK, Echo{
		Method:        r.Method,
		Tenant:        r.Header.Get(domain.TenantHeader),
		Authorization: auth,
		UserAgent:     r.Header.Get("User-Agent"),
		RequestID:     r.Header.Get("X-Request-ID"),
		User:          user,
		Hit:           hit,
	})
}

func memberOf(tenants []domain.TenantDescriptor, id int64) bool {
	for _, t := range tenants {
		if t.ID == id {
			return true
		}
	}
	return false
}

func writeGraphQLError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   map[string]any{"login": nil},
		"errors": []map[string]string{{"message": msg}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package backendtest

import (
	"context"
	"net/http"
	"strings"

	"github.com/gosuda/tenantauth/internal/domain"
)

type contextKey string

const (
	contextKeyTenantID contextKey = "tenant_id"
	contextKeyUsername contextKey = "username"
)

func tenantIDFromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(contextKeyTenantID).(int64)
	return v, ok
}

func usernameFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(contextKeyUsername).(string)
	return v, ok
}

// resolveTenant stores the tenant named by the routing header in the context.
// A missing or malformed header leaves the request anonymous.
func resolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := domain.ParseTenantHeader(r.Header.Get(domain.TenantHeader)); ok {
			r = r.WithContext(context.WithValue(r.Context(), contextKeyTenantID, id))
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate records the user of a valid bearer access token issued for the
// request's tenant. Requests without a valid token pass through anonymous.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractBearer(r)
		if tokenStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := validateToken(s.secret, tokenStr, tokenTypeAccess)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if tid, ok := tenantIDFromContext(r.Context()); !ok || tid != claims.TenantID {
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyUsername, claims.Username)))
	})
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}

package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/gosuda/tenantauth/internal/domain"
)

//nolint:gochecknoglobals // sentinel error
var ErrInvalidSession = errors.New("session: invalid session record")

// Validated is a session that passed the structural check. The zero value is
// the invalid variant; only Validate and Decode produce a valid one.
type Validated struct {
	session domain.Session
	ok      bool
}

// Session returns the validated session, or the zero Session for the invalid
// variant.
func (v Validated) Session() domain.Session {
	return v.session
}

// Valid reports whether v carries a session.
func (v Validated) Valid() bool { return v.ok }

// Validate checks that candidate has the Session shape: an object whose
// tenant.id, tenant.slug and auth.refreshToken are all present and non-zero.
// Token expiry and signatures are not checked here.
//
// Accepted candidates: domain.Session, *domain.Session, Validated,
// map[string]any (decoded JSON), []byte and json.RawMessage (JSON text).
func Validate(candidate any) (Validated, bool) {
	switch c := candidate.(type) {
	case Validated:
		return c, c.ok
	case domain.Session:
		return validateSession(c)
	case *domain.Session:
		if c == nil {
			return Validated{}, false
		}
		return validateSession(*c)
	case map[string]any:
		return validateObject(c)
	case json.RawMessage:
		return validateJSON(c)
	case []byte:
		return validateJSON(c)
	default:
		return Validated{}, false
	}
}

// Decode parses and validates a stored record.
func Decode(data []byte) (Validated, error) {
	v, ok := validateJSON(data)
	if !ok {
		return Validated{}, fmt.Errorf("session.Decode: %w", ErrInvalidSession)
	}
	return v, nil
}

func validateSession(s domain.Session) (Validated, bool) {
	if s.Tenant.ID <= 0 || s.Tenant.Slug == "" || s.Auth.RefreshToken == "" {
		return Validated{}, false
	}
	return Validated{session: s, ok: true}, true
}

func validateJSON(data []byte) (Validated, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Validated{}, false
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return Validated{}, false
	}
	return validateObject(obj)
}

func validateObject(obj map[string]any) (Validated, bool) {
	tenant, ok := obj["tenant"].(map[string]any)
	if !ok {
		return Validated{}, false
	}
	auth, ok := obj["auth"].(map[string]any)
	if !ok {
		return Validated{}, false
	}

	id, ok := integer(tenant["id"])
	if !ok {
		return Validated{}, false
	}
	slug, _ := tenant["slug"].(string)
	refresh, _ := auth["refreshToken"].(string)

	var access string
	if v, present := auth["accessToken"]; present && v != nil {
		if access, ok = v.(string); !ok {
			return Validated{}, false
		}
	}

	return validateSession(domain.Session{
		Tenant: domain.Tenant{ID: id, Slug: slug},
		Auth:   domain.AuthCredential{AccessToken: access, RefreshToken: refresh},
	})
}

// integer accepts whole JSON numbers as decoded with or without UseNumber.
func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != math.Trunc(n) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// Package token inspects bearer tokens locally. Nothing here verifies
// signatures; the trust boundary is the credential store, not the token.
package token

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default buffers for IsExpired.
const (
	// AccessTokenBuffer renews access tokens before their hard deadline so
	// in-flight requests do not race the expiry.
	AccessTokenBuffer = 5 * time.Minute
	// RefreshTokenBuffer is zero: only the hard deadline matters.
	RefreshTokenBuffer = time.Duration(0)
)

// Claims is the decoded token payload.
type Claims = jwt.MapClaims

// Inspector decodes tokens against an injectable clock.
type Inspector struct {
	Now func() time.Time
}

//nolint:gochecknoglobals // default inspector on the wall clock
var defaultInspector = Inspector{Now: time.Now}

// Decode returns the payload of token, or false for malformed input. It never
// panics.
func Decode(token string) (Claims, bool) {
	return defaultInspector.Decode(token)
}

// IsExpired reports whether token has no decodable exp claim, or exp is
// before now+buffer.
func IsExpired(token string, buffer time.Duration) bool {
	return defaultInspector.IsExpired(token, buffer)
}

// ExpiresAt returns the exp claim of token.
func ExpiresAt(token string) (time.Time, bool) {
	return defaultInspector.ExpiresAt(token)
}

// Decode reads the payload segment only. The header is ignored, so tokens
// with a missing or unregistered alg still decode.
func (i Inspector) Decode(token string) (Claims, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}

	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return nil, false
	}

	claims := Claims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, false
	}
	return claims, true
}

func (i Inspector) ExpiresAt(token string) (time.Time, bool) {
	claims, ok := i.Decode(token)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (i Inspector) IsExpired(token string, buffer time.Duration) bool {
	exp, ok := i.ExpiresAt(token)
	if !ok {
		return true
	}
	return exp.Before(i.now().Add(buffer))
}

func (i Inspector) now() time.Time {
	if i.Now == nil {
		return time.Now()
	}
	return i.Now()
}

package backendtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the payload of tokens issued by the fake backend.
type Claims struct {
	jwt.RegisteredClaims
	TenantID  int64  `json:"tid"`
	Username  string `json:"username"`
	TokenType string `json:"typ"` // "access" or "refresh"
}

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// ErrInvalidToken is returned when a token cannot be parsed or has expired.
var ErrInvalidToken = errors.New("backendtest: invalid or expired token") //nolint:gochecknoglobals // sentinel error

func issueToken(secret string, tenantID int64, username, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			// A unique ID keeps tokens issued within the same second distinct.
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "backendtest",
		},
		TenantID:  tenantID,
		Username:  username,
		TokenType: tokenType,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("backendtest.issueToken: %w", err)
	}
	return signed, nil
}

func validateToken(secret, tokenString, tokenType string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("backendtest.validateToken: %w", ErrInvalidToken)
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("backendtest.validateToken: %w", ErrInvalidToken)
	}
	return claims, nil
}

// TokenExpiringAt returns an unsigned-secret HS256 token whose exp is at. The
// inspector never checks signatures, so these are enough to drive expiry logic.
func TokenExpiringAt(at time.Time) string {
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(at),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unused"))
	if err != nil {
		panic(err)
	}
	return signed
}

// TokenWithoutExpiry returns a well-formed token that carries no exp claim.
func TokenWithoutExpiry() string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("unused"))
	if err != nil {
		panic(err)
	}
	return signed
}

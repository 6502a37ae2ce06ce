package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DevTokenClaims are the claims of a self-signed development access token,
// minted only when no real cloud credential source is configured.
type DevTokenClaims struct {
	jwt.RegisteredClaims
}

// DevTokenIssuer mints short-lived self-signed tokens that stand in for a
// real OAuth access token during local development and testing.
type DevTokenIssuer struct {
	secret []byte
}

// NewDevTokenIssuer creates an issuer with the given shared secret.
func NewDevTokenIssuer(secret string) *DevTokenIssuer {
	return &DevTokenIssuer{secret: []byte(secret)}
}

// Mint creates a JWT valid for ttl, usable as a guest access-token value.
func (i *DevTokenIssuer) Mint(ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(ttl)
	claims := DevTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			Issuer:    "vmvalidate-dev",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign dev token: %w", err)
	}
	return signed, expiry, nil
}

// Validate parses and validates a token minted by Mint. Used only by tests
// and diagnostics; the guest never validates its own token.
func (i *DevTokenIssuer) Validate(tokenStr string) (*DevTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &DevTokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid dev token: %w", err)
	}
	claims, ok := token.Claims.(*DevTokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid dev token claims")
	}
	return claims, nil
}

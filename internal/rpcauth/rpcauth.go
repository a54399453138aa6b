// Package rpcauth mints and verifies the short-lived bearer tokens the
// Dispatch Controller presents to the Settlement Ledger on every
// Ledger-bound call (reserve/charge/refund/credit/seal_epoch), so the
// Ledger can authenticate its caller without a shared-nothing trust
// assumption between the two processes.
package rpcauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ServiceClaims identifies the calling service; it carries no per-operation
// scope.
type ServiceClaims struct {
	jwt.RegisteredClaims
	Service string `json:"service"`
}

// Minter issues bearer tokens signed with a shared HMAC key.
type Minter struct {
	key []byte
	ttl time.Duration
}

// NewMinter builds a Minter. ttl bounds how long a minted token remains
// valid; SwarmOS uses a short TTL (tens of seconds) since tokens are
// minted fresh per outbound call rather than cached.
func NewMinter(key []byte, ttl time.Duration) *Minter {
	return &Minter{key: key, ttl: ttl}
}

// Mint issues a token asserting service as the caller's identity.
func (m *Minter) Mint(service string) (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Service: service,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("rpcauth: sign: %w", err)
	}
	return signed, nil
}

// ErrInvalidToken is returned for any verification failure: expired,
// malformed, or wrong signature.
var ErrInvalidToken = errors.New("rpcauth: invalid token")

// Verify checks tokenString's signature and expiry and returns the
// asserted service identity.
func Verify(key []byte, tokenString string) (string, error) {
	claims := &ServiceClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("rpcauth: unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !tok.Valid {
		return "", ErrInvalidToken
	}
	return claims.Service, nil
}

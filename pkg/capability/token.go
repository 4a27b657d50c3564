// Package capability implements the authorization credentials the guard
// chain checks: EdDSA-signed JWTs naming an issuing authority, a subject,
// and a scope list. Verification is black-box behind the Verifier interface
// so the token format can change without touching the guards.
package capability

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
)

var (
	// ErrInvalidToken covers malformed, tampered and expired tokens.
	ErrInvalidToken = errors.New("invalid capability token")
	// ErrUnknownAuthority is returned when the token's issuer is not in
	// the trusted key set.
	ErrUnknownAuthority = errors.New("unknown issuing authority")
)

// Claims is the JWT payload of a capability token.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Issuer mints capability tokens under one authority's Ed25519 key.
type Issuer struct {
	authority aura.AuthorityID
	key       ed25519.PrivateKey
	clock     effects.Clock
}

func NewIssuer(authority aura.AuthorityID, signer *effects.Signer, clock effects.Clock) *Issuer {
	return &Issuer{authority: authority, key: signer.PrivateKey(), clock: clock}
}

func (i *Issuer) Authority() aura.AuthorityID { return i.authority }

// Issue mints a token granting subject the given scopes until ttl elapses.
func (i *Issuer) Issue(subject aura.AuthorityID, scopes []string, ttl time.Duration) (string, error) {
	if len(scopes) == 0 {
		return "", fmt.Errorf("issue capability: empty scope list")
	}
	now := i.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.authority.String(),
			Subject:   subject.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign capability token: %w", err)
	}
	return signed, nil
}

// Digest is the content identifier of a serialized token; ledger events and
// journal facts reference tokens by digest, never by value.
func Digest(token string) aura.Hash32 {
	return event.TokenDigest([]byte(token))
}

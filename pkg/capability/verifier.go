package capability

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aura-net/aura/pkg/aura"
)

// Grant is the decoded meaning of a valid token.
type Grant struct {
	Issuer    aura.AuthorityID
	Subject   aura.AuthorityID
	Scopes    []string
	ExpiresAt time.Time
}

// Allows reports whether the grant's scopes cover the operation. A scope is
// either an exact operation tag, a prefix wildcard like "sync:*", or the
// bare "*".
func (g *Grant) Allows(operation string) bool {
	for _, scope := range g.Scopes {
		if scope == operation || scope == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(scope, ":*"); ok {
			if strings.HasPrefix(operation, prefix+":") {
				return true
			}
		}
	}
	return false
}

// Verifier checks a serialized token and returns its grant. Implementations
// are the only code that understands the token format.
type Verifier interface {
	Verify(token string) (*Grant, error)
}

// EdDSAVerifier validates tokens against a registered set of authority keys.
type EdDSAVerifier struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
	now  func() time.Time
}

func NewEdDSAVerifier() *EdDSAVerifier {
	return &EdDSAVerifier{keys: make(map[string]ed25519.PublicKey), now: time.Now}
}

// WithNow replaces the expiry reference clock. Expiry must be judged by the
// same clock the issuer stamps with, or simulated time rejects every token.
func (v *EdDSAVerifier) WithNow(now func() time.Time) *EdDSAVerifier {
	v.now = now
	return v
}

// Trust registers an authority's public key. Tokens from unregistered
// authorities fail verification.
func (v *EdDSAVerifier) Trust(authority aura.AuthorityID, publicKey []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("trust authority %s: public key is %d bytes", authority, len(publicKey))
	}
	v.mu.Lock()
	v.keys[authority.String()] = ed25519.PublicKey(append([]byte(nil), publicKey...))
	v.mu.Unlock()
	return nil
}

func (v *EdDSAVerifier) keyFor(issuer string) (ed25519.PublicKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	k, ok := v.keys[issuer]
	return k, ok
}

func (v *EdDSAVerifier) Verify(token string) (*Grant, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		issuer, err := t.Claims.GetIssuer()
		if err != nil {
			return nil, fmt.Errorf("%w: no issuer claim", ErrInvalidToken)
		}
		key, ok := v.keyFor(issuer)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, issuer)
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(v.now))
	if err != nil {
		// jwt wraps keyfunc errors, so the sentinel survives.
		if errors.Is(err, ErrUnknownAuthority) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	issuer, err := aura.ParseAuthorityID(claims.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: issuer: %v", ErrInvalidToken, err)
	}
	subject, err := aura.ParseAuthorityID(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return &Grant{
		Issuer:    issuer,
		Subject:   subject,
		Scopes:    append([]string(nil), claims.Scopes...),
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

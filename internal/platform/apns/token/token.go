// Package token issues the short-lived ES256 provider tokens APNs expects in the
// authorization header.
package token

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrKeyFormat is returned when the signing key is not a PEM encoded P-256 key.
	ErrKeyFormat = errors.New("apns: invalid signing key")
	// ErrSigning is returned when a structurally valid key fails to sign.
	ErrSigning = errors.New("apns: token signing failed")
)

// SigningIdentity is the caller supplied material used to sign provider tokens.
type SigningIdentity struct {
	// TeamID is the Apple developer team identifier, used as the token issuer.
	TeamID string
	// KeyID identifies the signing key in the Apple developer account.
	KeyID string
	// PrivateKey is the raw content of the .p8 file (PEM, PKCS#8 or SEC 1).
	PrivateKey []byte
}

// Claims are the only two claims APNs reads from a provider token.
type Claims struct {
	Issuer   string
	IssuedAt uint64
}

// ParsePrivateKey decodes a PEM encoded EC private key and checks that it is on
// the P-256 curve required by ES256.
func ParsePrivateKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}
	if name := key.Curve.Params().Name; name != "P-256" {
		return nil, fmt.Errorf("%w: curve %s is not P-256", ErrKeyFormat, name)
	}
	return key, nil
}

// Issuer signs a new token on every call. It is safe for concurrent use.
type Issuer struct {
	now func() time.Time
	// last is the most recent iat handed out; claims never go below it.
	last atomic.Uint64
}

// NewIssuer returns an Issuer reading the wall clock.
func NewIssuer() *Issuer {
	return &Issuer{now: time.Now}
}

// NewIssuerWithClock returns an Issuer reading time from now.
func NewIssuerWithClock(now func() time.Time) *Issuer {
	return &Issuer{now: now}
}

// NewClaims builds claims for issuer stamped with the current time. The issued-at
// value never decreases between calls even if the wall clock steps backwards.
func (i *Issuer) NewClaims(issuer string) Claims {
	now := uint64(max(i.now().Unix(), 0))
	for {
		last := i.last.Load()
		if now <= last {
			return Claims{Issuer: issuer, IssuedAt: last}
		}
		if i.last.CompareAndSwap(last, now) {
			return Claims{Issuer: issuer, IssuedAt: now}
		}
	}
}

// Issue signs claims with the identity's key. The header carries alg=ES256 and
// kid=identity.KeyID; the body carries exactly iss and iat.
func (i *Issuer) Issue(identity SigningIdentity, claims Claims) (string, error) {
	key, err := ParsePrivateKey(identity.PrivateKey)
	if err != nil {
		return "", err
	}

	jwtToken := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": claims.Issuer,
		"iat": claims.IssuedAt,
	})
	jwtToken.Header["kid"] = identity.KeyID

	signed, err := jwtToken.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigning, err)
	}
	return signed, nil
}

// Token issues a fresh token for identity, using its team id as the issuer.
func (i *Issuer) Token(identity SigningIdentity) (string, error) {
	return i.Issue(identity, i.NewClaims(identity.TeamID))
}

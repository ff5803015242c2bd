// Package clientauth mints the bearer material a client presents in its
// handshake. Verification is the server's concern and is not implemented
// here.
package clientauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies a handshake token. Implementations may mint, cache
// or fetch tokens; Token is called once per connection establishment.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed, externally issued token.
type StaticTokenProvider string

// Token implements TokenProvider.
func (s StaticTokenProvider) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// HMACProvider mints short-lived HS256 JWTs with the client id as subject.
type HMACProvider struct {
	secret   []byte
	clientID string
	issuer   string
	ttl      time.Duration
	now      func() time.Time
}

// HMACOption customizes an HMACProvider.
type HMACOption func(*HMACProvider)

// WithIssuer sets the iss claim.
func WithIssuer(iss string) HMACOption {
	return func(p *HMACProvider) { p.issuer = iss }
}

// WithTTL sets token lifetime. Default is one minute; tokens are minted per
// connection, so a short lifetime is fine.
func WithTTL(d time.Duration) HMACOption {
	return func(p *HMACProvider) {
		if d > 0 {
			p.ttl = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) HMACOption {
	return func(p *HMACProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewHMACProvider returns a provider signing with the given shared secret.
func NewHMACProvider(secret []byte, clientID string, opts ...HMACOption) (*HMACProvider, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty signing secret")
	}
	if clientID == "" {
		return nil, errors.New("empty client id")
	}
	p := &HMACProvider{
		secret:   secret,
		clientID: clientID,
		ttl:      time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ TokenProvider = (*HMACProvider)(nil)

// Token implements TokenProvider.
func (p *HMACProvider) Token(ctx context.Context) (string, error) {
	now := p.now()
	claims := jwt.RegisteredClaims{
		Subject:   p.clientID,
		Issuer:    p.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign handshake token: %w", err)
	}
	return tok, nil
}

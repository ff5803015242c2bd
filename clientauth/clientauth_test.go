package clientauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHMACProvider_TokenCarriesClaims(t *testing.T) {
	t.Parallel()

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := NewHMACProvider([]byte("secret"), "client-1",
		WithIssuer("grainrpc-test"),
		WithTTL(2*time.Minute),
		WithClock(func() time.Time { return issued }),
	)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	raw, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (any, error) {
		return []byte("secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return issued }))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !tok.Valid {
		t.Fatal("token invalid")
	}
	if claims.Subject != "client-1" || claims.Issuer != "grainrpc-test" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.ExpiresAt.Time.Equal(issued.Add(2 * time.Minute)) {
		t.Fatalf("unexpected expiry: %s", claims.ExpiresAt)
	}
}

func TestHMACProvider_RejectsBadInputs(t *testing.T) {
	t.Parallel()

	if _, err := NewHMACProvider(nil, "client-1"); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewHMACProvider([]byte("secret"), ""); err == nil {
		t.Fatal("expected error for empty client id")
	}
}

func TestStaticTokenProvider(t *testing.T) {
	t.Parallel()

	tok, err := StaticTokenProvider("fixed").Token(context.Background())
	if err != nil || tok != "fixed" {
		t.Fatalf("expected fixed token, got %q, %v", tok, err)
	}
}

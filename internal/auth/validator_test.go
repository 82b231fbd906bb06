package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v := New(Config{Resolver: StaticSecret("shh"), CacheSize: 100, CacheTTL: time.Minute, Logger: zerolog.Nop()})
	token := signToken(t, "shh", Claims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})

	claims, code, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v (code=%s)", err, code)
	}
	if claims.UserID != "u1" {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := New(Config{Resolver: StaticSecret("shh"), CacheSize: 100, CacheTTL: time.Minute, Logger: zerolog.Nop()})
	token := signToken(t, "wrong-secret", Claims{UserID: "u1"})

	_, code, err := v.Verify(context.Background(), token)
	if err == nil {
		t.Fatal("expected error for bad signature")
	}
	if code != "AUTH_INVALID" {
		t.Fatalf("unexpected error code: %s", code)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := New(Config{Resolver: StaticSecret("shh"), CacheSize: 100, CacheTTL: time.Minute, Logger: zerolog.Nop()})
	token := signToken(t, "shh", Claims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	})

	_, code, err := v.Verify(context.Background(), token)
	if err == nil {
		t.Fatal("expected error for expired token")
	}
	if code != "AUTH_INVALID" {
		t.Fatalf("unexpected error code: %s", code)
	}
}

func TestVerifyCachesClaims(t *testing.T) {
	v := New(Config{Resolver: StaticSecret("shh"), CacheSize: 100, CacheTTL: time.Minute, Logger: zerolog.Nop()})
	token := signToken(t, "shh", Claims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})

	if _, _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, ok := v.cache.Get(hash(token)); !ok {
		t.Fatal("expected claims to be cached")
	}
}

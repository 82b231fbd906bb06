// Package auth implements the token validator shared by the WebSocket
// handshake path: a single resolver value wired once into core.Core,
// backed by a TTL+capacity-bound cache and a circuit breaker so a flapping
// secret resolver degrades gracefully instead of cascading into every
// handshake.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/relaymesh/gateway/internal/codec"
)

// Claims mirrors the claims shape issued by the external token issuer.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// SecretResolver returns the signing secret to verify tokens against.
// The default implementation is a static secret; it exists as an
// interface so a future rotating-secret resolver can be swapped in
// without touching the Validator.
type SecretResolver interface {
	Resolve(ctx context.Context) ([]byte, error)
}

type staticSecret struct{ secret []byte }

func (s staticSecret) Resolve(ctx context.Context) ([]byte, error) { return s.secret, nil }

// StaticSecret builds a SecretResolver over a fixed HMAC secret.
func StaticSecret(secret string) SecretResolver {
	return staticSecret{secret: []byte(secret)}
}

// Validator verifies connection JWTs, caching verified claims by token
// hash and circuit-breaking the secret resolver.
type Validator struct {
	resolver SecretResolver
	cache    *lru.LRU[string, Claims]
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

type Config struct {
	Resolver   SecretResolver
	CacheSize  int
	CacheTTL   time.Duration
	Logger     zerolog.Logger
}

func New(cfg Config) *Validator {
	cache := lru.NewLRU[string, Claims](cfg.CacheSize, nil, cfg.CacheTTL)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "auth-secret-resolver",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("secret resolver circuit breaker state change")
		},
	})

	return &Validator{resolver: cfg.Resolver, cache: cache, breaker: breaker, logger: cfg.Logger}
}

// hash returns the SHA-256 hex digest of a token; raw tokens are never logged.
func hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify validates a token, returning the decoded claims.
//
// Error classification:
//   - a badly-signed or expired token yields ErrAuthInvalid
//   - a token that doesn't parse as a JWT at all yields ErrAuthMalformed
//   - a resolver failure (including an open circuit breaker) yields ErrAuthUnavailable
func (v *Validator) Verify(ctx context.Context, token string) (*Claims, codec.ErrorCode, error) {
	digest := hash(token)
	if claims, ok := v.cache.Get(digest); ok {
		if claims.ExpiresAt == nil || time.Now().Before(claims.ExpiresAt.Time) {
			return &claims, "", nil
		}
		v.cache.Remove(digest)
	}

	secretAny, err := v.breaker.Execute(func() (any, error) {
		return v.resolver.Resolve(ctx)
	})
	if err != nil {
		v.logger.Warn().Err(err).Msg("secret resolver unavailable")
		return nil, codec.ErrAuthUnavailable, fmt.Errorf("auth: resolve secret: %w", err)
	}
	secret := secretAny.([]byte)

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if isMalformed(err) {
			return nil, codec.ErrAuthMalformed, fmt.Errorf("auth: malformed token: %w", err)
		}
		return nil, codec.ErrAuthInvalid, fmt.Errorf("auth: verify token: %w", err)
	}
	if !parsed.Valid {
		return nil, codec.ErrAuthInvalid, fmt.Errorf("auth: token not valid")
	}
	if claims.UserID == "" {
		return nil, codec.ErrAuthInvalid, fmt.Errorf("auth: missing user_id claim")
	}

	ttl := cacheTTLFor(claims)
	if ttl > 0 {
		v.cache.Add(digest, *claims)
	}

	return claims, "", nil
}

func isMalformed(err error) bool {
	return errors.Is(err, jwt.ErrTokenMalformed)
}

func cacheTTLFor(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return time.Minute
	}
	return time.Until(claims.ExpiresAt.Time)
}

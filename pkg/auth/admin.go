package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for missing or invalid admin credentials.
var ErrUnauthorized = errors.New("unauthorized")

// AdminKey is a named admin API key. Hash is a bcrypt hash of the key
// value; plaintext keys never live in configuration.
type AdminKey struct {
	Name string
	Hash string
}

// AdminConfig configures admin authentication.
type AdminConfig struct {
	Keys []AdminKey

	// JWTSecret enables bearer token verification when non-empty.
	JWTSecret []byte
}

// AdminAuthenticator authorizes access to the session listing and
// manual sweep endpoints.
type AdminAuthenticator struct {
	keys   []AdminKey
	secret []byte
}

// NewAdminAuthenticator creates an authenticator from config.
func NewAdminAuthenticator(cfg AdminConfig) *AdminAuthenticator {
	return &AdminAuthenticator{
		keys:   cfg.Keys,
		secret: cfg.JWTSecret,
	}
}

// Enabled reports whether any credential source is configured. With
// none configured the admin surface is refused outright.
func (a *AdminAuthenticator) Enabled() bool {
	return len(a.keys) > 0 || len(a.secret) > 0
}

// Authorize validates the token from ctx against the configured keys
// and JWT secret. It returns the authenticated principal name.
func (a *AdminAuthenticator) Authorize(ctx context.Context) (string, error) {
	token := GetToken(ctx)
	if token == "" || !a.Enabled() {
		return "", ErrUnauthorized
	}

	if len(a.secret) > 0 {
		if name, err := a.verifyJWT(token); err == nil {
			return name, nil
		}
	}

	// bcrypt comparison is constant-time per key.
	for _, key := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(token)) == nil {
			return key.Name, nil
		}
	}
	return "", ErrUnauthorized
}

// adminClaims are the registered claims carried by admin tokens.
type adminClaims struct {
	jwt.RegisteredClaims
}

// verifyJWT checks an HS256 bearer token.
func (a *AdminAuthenticator) verifyJWT(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &adminClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing admin token: %w", err)
	}
	claims, ok := parsed.Claims.(*adminClaims)
	if !ok || !parsed.Valid {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// IssueToken mints an HS256 bearer token for subject, valid for ttl.
// Used by operators to hand out short-lived admin access.
func (a *AdminAuthenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no JWT secret configured")
	}
	now := time.Now()
	claims := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing admin token: %w", err)
	}
	return signed, nil
}

// HashKey bcrypt-hashes a plaintext admin key for configuration.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin key: %w", err)
	}
	return string(hash), nil
}

// Package auth protects the admin surface: bcrypt-hashed API keys and
// short-lived HMAC bearer tokens. Per-user session authentication is
// the registry's business, not this package's.
package auth

import "context"

// contextKey is a private type for context keys.
type contextKey int

const (
	tokenContextKey contextKey = iota
)

// WithToken adds a credential token to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// GetToken retrieves the credential token from the context, or "".
func GetToken(ctx context.Context) string {
	if token, ok := ctx.Value(tokenContextKey).(string); ok {
		return token
	}
	return ""
}

// Package auth supplies bearer tokens to the transport layer and derives
// the realtime identity from them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AnonymousUserID is the realtime identity used when no token is
// available.
const AnonymousUserID = "anonymous"

// TokenProvider supplies the bearer token for a request. An empty token
// with a nil error means anonymous access.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenProvider.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken is a fixed token. The zero value is anonymous.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// Anonymous never supplies a token.
var Anonymous TokenProvider = StaticToken("")

// ErrNoSubject is returned by UserID for a JWT without a "sub" claim.
var ErrNoSubject = errors.New("auth: token has no subject")

// UserID returns the identity a token belongs to: the JWT "sub" claim,
// or AnonymousUserID for an empty token. The signature is not verified;
// the backend does that on every request.
func UserID(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AnonymousUserID, nil
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("auth: failed to parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}

// ResolveUserID fetches a token from provider and returns its identity.
func ResolveUserID(ctx context.Context, provider TokenProvider) (string, error) {
	if provider == nil {
		return AnonymousUserID, nil
	}
	token, err := provider.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: failed to get token: %w", err)
	}
	return UserID(token)
}

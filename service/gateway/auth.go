package gateway

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"notifyhub/tools/errs"
)

// User is the authenticated principal; the core only ever needs the ID.
type User struct {
	ID string
}

// Authenticator is the external auth collaborator. Any failure maps to
// an AUTH_FAILED handshake rejection; the core never retries.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*User, error)
}

// JWTAuthenticator validates HS256 tokens; the subject claim is the user.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*User, error) {
	if token == "" {
		return nil, errs.ErrAuthFailed.WithDetail("empty token")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errs.ErrAuthFailed.WithDetail("invalid token")
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errs.ErrAuthFailed.WithDetail("missing subject")
	}
	return &User{ID: sub}, nil
}

// StaticAuthenticator maps raw tokens to user IDs. Dev and test use only.
type StaticAuthenticator map[string]string

func (a StaticAuthenticator) Authenticate(_ context.Context, token string) (*User, error) {
	if uid, ok := a[token]; ok {
		return &User{ID: uid}, nil
	}
	return nil, errs.ErrAuthFailed
}

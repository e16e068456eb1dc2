// Package auth validates bearer tokens and carries the resulting session
// through request contexts.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

// Session is the authenticated caller.
type Session struct {
	UserID string
	Email  string
}

// Claims embeds the registered claims plus the caller's identity.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// Provider issues and verifies HS256 tokens.
type Provider struct {
	secret []byte
	ttl    time.Duration
}

func NewProvider(secret []byte, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Provider{secret: secret, ttl: ttl}
}

// Issue returns a signed token for the user.
func (p *Provider) Issue(userID, email string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
		UserID: userID,
		Email:  email,
	})
	return token.SignedString(p.secret)
}

// Verify parses the token and returns the session it names. Every failure is
// an apperr Auth error.
func (p *Provider) Verify(tokenString string) (Session, error) {
	if tokenString == "" {
		return Session{}, apperr.Auth("missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, apperr.Auth("token expired")
		}
		return Session{}, apperr.Auth("invalid token")
	}
	if !token.Valid || claims.UserID == "" {
		return Session{}, apperr.Auth("invalid token")
	}
	return Session{UserID: claims.UserID, Email: claims.Email}, nil
}

type sessionKey struct{}

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored by WithSession.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

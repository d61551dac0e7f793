// Package access answers "can user U act on tenant T" for every
// mutation entering the queue, with a short-TTL cache in front of the
// external session provider.
package access

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Session describes the currently authenticated principal.
type Session struct {
	UserID        string
	RestaurantIDs []string
	PlatformOwner bool
}

// Member reports whether the session grants access to a tenant.
func (s *Session) Member(restaurantID string) bool {
	if s.PlatformOwner {
		return true
	}
	for _, id := range s.RestaurantIDs {
		if id == restaurantID {
			return true
		}
	}
	return false
}

// SessionProvider exposes the current authenticated session. The
// identity system issuing sessions is an external collaborator.
type SessionProvider interface {
	Session(ctx context.Context) (*Session, error)
	// BearerToken returns the raw token attached to outgoing requests.
	BearerToken() (string, error)
}

// sessionClaims is the JWT claim set issued by the session provider.
type sessionClaims struct {
	RestaurantIDs []string `json:"restaurant_ids"`
	PlatformOwner bool     `json:"platform_owner"`
	jwt.RegisteredClaims
}

// TokenSessionProvider derives the session from a signed JWT held for
// the device's current login. SetToken is called by the auth layer
// whenever a token is issued or refreshed.
type TokenSessionProvider struct {
	secret []byte

	mu    sync.RWMutex
	token string
}

// NewTokenSessionProvider creates a provider verifying tokens with the
// given HMAC secret.
func NewTokenSessionProvider(secret []byte) *TokenSessionProvider {
	return &TokenSessionProvider{secret: secret}
}

// SetToken replaces the current session token.
func (p *TokenSessionProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// BearerToken returns the raw token for outgoing request headers.
func (p *TokenSessionProvider) BearerToken() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", fmt.Errorf("access: no session token set")
	}
	return p.token, nil
}

// Session parses and verifies the current token.
func (p *TokenSessionProvider) Session(ctx context.Context) (*Session, error) {
	p.mu.RLock()
	raw := p.token
	p.mu.RUnlock()

	if raw == "" {
		return nil, fmt.Errorf("access: no session token set")
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("access: unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("access: invalid session token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("access: session token has no subject")
	}

	return &Session{
		UserID:        claims.Subject,
		RestaurantIDs: claims.RestaurantIDs,
		PlatformOwner: claims.PlatformOwner,
	}, nil
}

// ABOUTME: Bearer credential sources for the gateway handshake
// ABOUTME: Static tokens or HS256 JWTs minted from a shared secret

package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of a minted token.
const DefaultTTL = time.Hour

// refreshBefore re-mints a cached token this long before it expires.
const refreshBefore = time.Minute

// ErrMissingSecret is returned when a JWT source has no secret.
var ErrMissingSecret = errors.New("jwt secret not configured")

// Static returns the same token every time.
type Static string

// Token implements the gateway token source.
func (s Static) Token() (string, error) { return string(s), nil }

// JWTSource mints HS256 tokens for one client identity.
type JWTSource struct {
	secret   []byte
	subject  string
	scopes   []string
	ttl      time.Duration
	now      func() time.Time
	mu       sync.Mutex
	cached   string
	cachedAt time.Time
}

// NewJWTSource creates a source. A zero ttl uses DefaultTTL.
func NewJWTSource(secret []byte, subject string, scopes []string, ttl time.Duration) (*JWTSource, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if subject == "" {
		return nil, errors.New("jwt subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &JWTSource{secret: secret, subject: subject, scopes: scopes, ttl: ttl, now: time.Now}, nil
}

// Token returns a cached token or mints a new one.
func (s *JWTSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != "" && now.Before(s.cachedAt.Add(s.ttl-refreshBefore)) {
		return s.cached, nil
	}

	claims := jwt.MapClaims{
		"sub": s.subject,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	if len(s.scopes) > 0 {
		claims["scope"] = s.scopes
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing gateway token: %w", err)
	}
	s.cached = signed
	s.cachedAt = now
	return signed, nil
}

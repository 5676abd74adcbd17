// Package auth supplies the tokens a bridge session authenticates with.
// Tokens are opaque to the SDK except for their JWT expiry claim, which
// decides when a session must re-authenticate.
package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource returns the token to attach to a bridge session. Implementations
// must be safe for concurrent use.
type TokenSource interface {
	Token() (string, error)
}

// Static is a fixed token, typically a long-lived service credential.
type Static string

func (s Static) Token() (string, error) {
	return string(s), nil
}

// Expired reports whether a JWT's exp claim has passed, with leeway
// subtracted so sessions refresh before the server rejects them. Tokens
// that are not JWTs or carry no expiry never expire. The signature is not
// verified here; the server does that.
func Expired(token string, leeway time.Duration) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().Add(leeway).After(exp.Time)
}

// Refreshing caches tokens from a fetch function and refetches once the
// cached token's expiry (minus leeway) has passed.
type Refreshing struct {
	mu     sync.Mutex
	fetch  func() (string, error)
	leeway time.Duration
	cached string
}

// NewRefreshing wraps fetch. leeway defaults to 30 seconds when zero.
func NewRefreshing(fetch func() (string, error), leeway time.Duration) *Refreshing {
	if leeway == 0 {
		leeway = 30 * time.Second
	}
	return &Refreshing{fetch: fetch, leeway: leeway}
}

func (r *Refreshing) Token() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != "" && !Expired(r.cached, r.leeway) {
		return r.cached, nil
	}
	token, err := r.fetch()
	if err != nil {
		return "", fmt.Errorf("fetch auth token: %w", err)
	}
	r.cached = token
	return token, nil
}

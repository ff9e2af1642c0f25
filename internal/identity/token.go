package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider is a Provider over a bearer token supplied out of band, for
// example through an environment variable or a token file. The token's claims
// are decoded without verification to describe the user; the backend is the
// one that verifies it.
type TokenProvider struct {
	emitter Emitter
	now     func() time.Time

	mu      sync.Mutex
	current *Session
}

var _ Provider = (*TokenProvider)(nil)

// NewTokenProvider returns a provider holding token. An empty token yields a
// signed-out provider.
func NewTokenProvider(token string) (*TokenProvider, error) {
	p := &TokenProvider{now: time.Now}
	if token == "" {
		return p, nil
	}
	s, err := sessionFromJWT(token)
	if err != nil {
		return nil, err
	}
	p.current = s
	return p, nil
}

// OnAuthStateChange registers a listener for SetToken and SignOut events.
func (p *TokenProvider) OnAuthStateChange(l Listener) *Subscription {
	return p.emitter.Subscribe(l)
}

// GetSession returns the held session. Once the token's exp claim has passed
// the token is dropped and no session is reported, since there is no way to
// renew it.
func (p *TokenProvider) GetSession(_ context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, nil
	}
	if !p.current.ExpiresAt.IsZero() && !p.now().Before(p.current.ExpiresAt) {
		slog.Info("discarding expired token", "user", userID(p.current), "expired_at", p.current.ExpiresAt)
		p.current = nil
		return nil, nil
	}
	return p.current.Clone(), nil
}

// SetToken replaces the held token. Listeners receive EventSignedIn when the
// user changes and EventTokenRefreshed when the same user gets a new token.
func (p *TokenProvider) SetToken(token string) error {
	s, err := sessionFromJWT(token)
	if err != nil {
		return err
	}
	p.mu.Lock()
	event := EventSignedIn
	if p.current != nil && userID(p.current) == userID(s) {
		event = EventTokenRefreshed
	}
	p.current = s
	p.mu.Unlock()

	p.emitter.Emit(event, s)
	return nil
}

// SignOut drops the held token and emits EventSignedOut.
func (p *TokenProvider) SignOut(_ context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	p.emitter.Emit(EventSignedOut, nil)
	return nil
}

func sessionFromJWT(token string) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("token has no sub claim")
	}

	s := &Session{AccessToken: token, TokenType: "Bearer"}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)
	if role == "" {
		role = "authenticated"
	}
	s.User = &User{ID: sub, Email: email, Role: role}
	return s, nil
}

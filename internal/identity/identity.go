// Package identity models the identity provider's session lifecycle: fetching
// the current session, signing out, and notifying subscribers of session
// changes that originate inside the provider (sign-in, token refresh, sign-out).
package identity

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var (
	// ErrNoSession is returned by operations that need a signed-in session.
	ErrNoSession = errors.New("no active session")
	// ErrNoRefreshToken is returned when a session can't be refreshed.
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// Event names a provider-originated session transition.
type Event string

const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
)

// User is the authenticated identity carried by a session.
type User struct {
	ID    string
	Email string
	Role  string
}

// Session is the credential bundle issued by the identity provider.
type Session struct {
	AccessToken  string //nolint:gosec // field name, not a credential
	RefreshToken string //nolint:gosec // field name, not a credential
	IDToken      string
	TokenType    string
	ExpiresAt    time.Time // zero = no expiry
	User         *User
}

// Clone returns a copy that shares nothing with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	return &out
}

// WithAccessToken returns a copy of s carrying a different access token. The
// rest of the session, including expiry and refresh token, is unchanged.
func (s *Session) WithAccessToken(token string) *Session {
	out := s.Clone()
	out.AccessToken = token
	return out
}

// ExpiresWithin reports whether the session expires before now+d.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return s.ExpiresAt.Before(now.Add(d))
}

// Listener receives session changes. session is nil after sign-out.
type Listener func(event Event, session *Session)

// Provider is the identity provider's session API.
type Provider interface {
	// GetSession returns the current session, or nil if nobody is signed in.
	GetSession(ctx context.Context) (*Session, error)
	// SignOut ends the current session. Subscribers receive EventSignedOut.
	SignOut(ctx context.Context) error
	// OnAuthStateChange registers a listener for provider-originated changes.
	OnAuthStateChange(l Listener) *Subscription
}

// Subscription is a registered listener. Unsubscribe is safe to call more than once.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery to the listener.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Emitter fans events out to subscribed listeners. The zero value is ready to use.
type Emitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
}

// Subscribe registers l and returns its subscription.
func (e *Emitter) Subscribe(l Listener) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[int]Listener)
	}
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	return &Subscription{cancel: func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}}
}

// Emit delivers the event to every listener, in subscription order. Listeners
// are called without holding the emitter lock and each gets its own session copy.
func (e *Emitter) Emit(event Event, session *Session) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	listeners := make([]Listener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, e.listeners[id])
	}
	e.mu.Unlock()

	for _, l := range listeners {
		l(event, session.Clone())
	}
}

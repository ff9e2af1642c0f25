package identity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []Event
	last   *Session
}

func (r *recorder) listen(e Event, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	r.last = s
}

func (r *recorder) got() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func TestEmitter_SubscriptionOrder(t *testing.T) {
	var e Emitter
	var order []int
	for i := range 3 {
		e.Subscribe(func(Event, *Session) { order = append(order, i) })
	}

	e.Emit(EventSignedIn, nil)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestEmitter_Unsubscribe(t *testing.T) {
	var e Emitter
	var rec recorder
	sub := e.Subscribe(rec.listen)

	e.Emit(EventSignedIn, &Session{AccessToken: "a"})
	sub.Unsubscribe()
	sub.Unsubscribe()
	e.Emit(EventSignedOut, nil)

	assert.Equal(t, []Event{EventSignedIn}, rec.got())
}

func TestEmitter_ListenersGetCopies(t *testing.T) {
	var e Emitter
	e.Subscribe(func(_ Event, s *Session) { s.User.ID = "mutated" })

	var rec recorder
	e.Subscribe(rec.listen)

	orig := &Session{AccessToken: "a", User: &User{ID: "u1"}}
	e.Emit(EventSignedIn, orig)

	assert.Equal(t, "u1", orig.User.ID)
	require.NotNil(t, rec.session())
	assert.Equal(t, "u1", rec.session().User.ID)
}

func TestEmitter_ListenerMaySubscribe(t *testing.T) {
	var e Emitter
	var rec recorder
	e.Subscribe(func(Event, *Session) {
		e.Subscribe(rec.listen)
	})

	e.Emit(EventSignedIn, nil)
	assert.Empty(t, rec.got())
	e.Emit(EventTokenRefreshed, nil)
	assert.Equal(t, []Event{EventTokenRefreshed}, rec.got())
}

func TestSession_WithAccessToken(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	s := &Session{AccessToken: "old", RefreshToken: "r", ExpiresAt: exp, User: &User{ID: "u1"}}

	out := s.WithAccessToken("new")
	assert.Equal(t, "new", out.AccessToken)
	assert.Equal(t, "old", s.AccessToken)
	assert.Equal(t, "r", out.RefreshToken)
	assert.Equal(t, exp, out.ExpiresAt)
	assert.NotSame(t, s.User, out.User)
}

func TestSession_ExpiresWithin(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Session{}).ExpiresWithin(now, time.Hour), "zero expiry never expires")
	assert.True(t, (&Session{ExpiresAt: now.Add(30 * time.Second)}).ExpiresWithin(now, time.Minute))
	assert.False(t, (&Session{ExpiresAt: now.Add(2 * time.Minute)}).ExpiresWithin(now, time.Minute))
}

func TestSession_CloneNil(t *testing.T) {
	var s *Session
	assert.Nil(t, s.Clone())
}

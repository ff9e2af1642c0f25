// Package session holds the authentication session, the signed-in user and the
// user's team context for the lifetime of an application, keeping them in step
// with the identity provider and the team-membership API.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hatemosphere/teamctx/internal/identity"
	"github.com/hatemosphere/teamctx/internal/team"
)

// ErrClosed is returned by operations on a Store after Close.
var ErrClosed = errors.New("session store closed")

// Phase is the coarse state of a Store.
type Phase string

const (
	PhaseLoading       Phase = "loading"
	PhaseAuthenticated Phase = "authenticated"
	PhaseAnonymous     Phase = "anonymous"
)

// TeamAPI is the team-membership API the store reads team context from.
// teamapi.Client implements it.
type TeamAPI interface {
	Context(ctx context.Context, token string) (*team.ContextResponse, error)
	SwitchTeam(ctx context.Context, token, teamID string) (*team.SwitchResponse, error)
}

// State is a point-in-time copy of a Store's state.
type State struct {
	Session     *identity.Session
	User        *identity.User
	TeamContext team.Context
	Loading     bool
	Err         error

	// Version increases with every committed change. Listeners may be called
	// concurrently; a listener holding a newer version should ignore older ones.
	Version uint64

	initializing bool
}

// Phase reports loading until the initial session is resolved, then
// authenticated or anonymous.
func (s State) Phase() Phase {
	switch {
	case s.initializing:
		return PhaseLoading
	case s.Session != nil && s.User != nil:
		return PhaseAuthenticated
	default:
		return PhaseAnonymous
	}
}

// loadKey identifies the (user, token) pair a team context was loaded for.
type loadKey struct {
	userID string
	token  string
}

// Store is the session and team-context container. Create it with New, call
// Initialize once, and Close it when the application shuts down. All methods
// are safe for concurrent use.
type Store struct {
	provider identity.Provider
	api      TeamAPI
	logger   *slog.Logger

	// lifetime of reactive team-context loads
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	session      *identity.Session
	user         *identity.User
	teamCtx      team.Context
	snapshot     team.Context // last committed team context, compared before commit
	err          error
	initializing bool
	pending      int // in-flight SwitchTeam/SignOut calls
	version      uint64
	loadedKey    loadKey
	generation   uint64 // bumped on sign-out and on a change of user
	started      bool
	closed       bool
	sub          *identity.Subscription
	nextID       int
	listeners    map[int]func(State)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a store in the loading phase.
func New(provider identity.Provider, api TeamAPI, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		provider:     provider,
		api:          api,
		logger:       slog.Default(),
		ctx:          ctx,
		cancel:       cancel,
		teamCtx:      team.Empty(),
		snapshot:     team.Empty(),
		initializing: true,
		listeners:    make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize subscribes to the provider's session changes and resolves the
// current session. A provider error is recorded in the state and returned.
// The loading phase ends whatever the outcome. Calls after the first are no-ops.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	sub := s.provider.OnAuthStateChange(s.handleAuthStateChange)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return ErrClosed
	}
	s.sub = sub
	s.mu.Unlock()

	defer s.update(s.finishLoadingLocked)

	sess, err := s.provider.GetSession(ctx)
	if err != nil {
		err = fmt.Errorf("initialize session: %w", err)
		s.logger.Error("error initializing auth", "error", err)
		s.update(func() bool { s.err = err; return true })
		return err
	}
	s.update(func() bool { return s.setSessionLocked(sess) })
	return nil
}

// handleAuthStateChange mirrors a provider-originated session change.
func (s *Store) handleAuthStateChange(event identity.Event, sess *identity.Session) {
	s.logger.Info("auth state changed", "event", string(event))
	authStateChangesTotal.WithLabelValues(string(event)).Inc()
	s.update(func() bool {
		changed := s.setSessionLocked(sess)
		return s.finishLoadingLocked() || changed
	})
}

func (s *Store) finishLoadingLocked() bool {
	if !s.initializing {
		return false
	}
	s.initializing = false
	return true
}

// setSessionLocked applies the session transition shared by Initialize and
// provider events. A nil session signs the store out and empties the team
// context. A new (user, token) pair starts a team-context load.
func (s *Store) setSessionLocked(sess *identity.Session) bool {
	if s.closed {
		return false
	}
	if sess == nil {
		s.session = nil
		s.user = nil
		s.teamCtx = team.Empty()
		s.snapshot = team.Empty()
		s.loadedKey = loadKey{}
		s.generation++
		return true
	}
	if s.user == nil || sess.User == nil || s.user.ID != sess.User.ID {
		s.generation++
	}
	s.session = sess.Clone()
	s.user = s.session.User
	s.reloadLocked()
	return true
}

// reloadLocked starts a team-context load in the background when the signed-in
// user or their access token changed since the last load.
func (s *Store) reloadLocked() {
	if s.closed || s.session == nil || s.user == nil {
		return
	}
	key := loadKey{userID: s.user.ID, token: s.session.AccessToken}
	if key == s.loadedKey {
		return
	}
	s.loadedKey = key
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.LoadTeamContext(s.ctx)
	}()
}

// LoadTeamContext fetches the team context with the current access token and
// commits it if it differs from the last committed one. It reports whether
// state changed. Failures are logged and leave the team context as it was.
// A result is dropped when the user signed out or changed while it was in flight.
func (s *Store) LoadTeamContext(ctx context.Context) bool {
	s.mu.Lock()
	sess, user, closed, gen := s.session, s.user, s.closed, s.generation
	s.mu.Unlock()
	if closed || sess == nil || user == nil {
		return false
	}

	resp, err := s.api.Context(ctx, sess.AccessToken)
	if err != nil {
		teamContextLoadsTotal.WithLabelValues("error").Inc()
		s.logger.Error("error loading team context", "user", user.ID, "error", err)
		return false
	}
	next := resp.Context()

	committed := s.update(func() bool {
		if s.closed || s.session == nil || s.generation != gen || ctx.Err() != nil {
			return false
		}
		if next.Equal(s.snapshot) {
			return false
		}
		s.snapshot = next.Clone()
		s.teamCtx = next
		return true
	})

	if committed {
		teamContextLoadsTotal.WithLabelValues("updated").Inc()
		s.logger.Info("team context updated", "user", user.ID, "team", next.CurrentTeamID)
	} else {
		teamContextLoadsTotal.WithLabelValues("unchanged").Inc()
	}
	return committed
}

// SwitchTeam makes teamID the current team. On success the team context is
// replaced by the response and, when the backend minted a team-bound token,
// the session's access token is swapped for it in memory, which reloads the
// team context. Failures are recorded in the state and returned.
func (s *Store) SwitchTeam(ctx context.Context, teamID string) error {
	var sess *identity.Session
	var gen uint64
	if !s.update(func() bool {
		if s.closed {
			return false
		}
		sess, gen = s.session, s.generation
		s.pending++
		return true
	}) {
		return ErrClosed
	}
	defer s.update(s.donePendingLocked)

	err := s.switchTeam(ctx, sess, gen, teamID)
	if err != nil {
		teamSwitchesTotal.WithLabelValues("error").Inc()
		s.logger.Error("error switching team", "team", teamID, "error", err)
		s.update(func() bool { s.err = err; return true })
		return err
	}
	teamSwitchesTotal.WithLabelValues("ok").Inc()
	return nil
}

// switchTeam commits the response only while the session generation it
// started with is current, so a team-bound token never lands on another
// user's session.
func (s *Store) switchTeam(ctx context.Context, sess *identity.Session, gen uint64, teamID string) error {
	if sess == nil {
		return fmt.Errorf("switch team: %w", identity.ErrNoSession)
	}
	resp, err := s.api.SwitchTeam(ctx, sess.AccessToken, teamID)
	if err != nil {
		return err
	}
	next := resp.Context()

	if !s.update(func() bool {
		if s.closed || s.session == nil || s.generation != gen {
			return false
		}
		s.snapshot = next.Clone()
		s.teamCtx = next
		if resp.Token != "" {
			s.session = s.session.WithAccessToken(resp.Token)
			s.user = s.session.User
			s.reloadLocked()
		}
		return true
	}) {
		s.logger.Warn("dropped team switch result for an ended session", "team", teamID)
		return nil
	}
	s.logger.Info("switched team", "team", next.CurrentTeamID, "role", string(next.CurrentTeamRole), "token_refreshed", resp.Token != "")
	return nil
}

// SignOut asks the provider to end the session. The session itself is
// cleared when the provider reports the sign-out; on failure the session is
// kept and the error recorded and returned.
func (s *Store) SignOut(ctx context.Context) error {
	if !s.update(func() bool {
		if s.closed {
			return false
		}
		s.pending++
		return true
	}) {
		return ErrClosed
	}
	defer s.update(s.donePendingLocked)

	if err := s.provider.SignOut(ctx); err != nil {
		err = fmt.Errorf("sign out: %w", err)
		s.logger.Error("error signing out", "error", err)
		s.update(func() bool { s.err = err; return true })
		return err
	}
	return nil
}

func (s *Store) donePendingLocked() bool {
	s.pending--
	return s.pending == 0
}

// Subscribe registers fn to be called with the new state after every
// committed change. The returned function cancels the subscription.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close unsubscribes from the provider, cancels in-flight team-context loads
// and waits for them. Later results and provider events are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	clear(s.listeners)
	s.mu.Unlock()

	sub.Unsubscribe()
	s.cancel()
	s.wg.Wait()
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Session returns a copy of the current session, or nil.
func (s *Store) Session() *identity.Session { return s.State().Session }

// User returns the signed-in user, or nil.
func (s *Store) User() *identity.User { return s.State().User }

// TeamContext returns a copy of the current team context.
func (s *Store) TeamContext() team.Context { return s.State().TeamContext }

// Loading reports whether the initial session or a user action is pending.
func (s *Store) Loading() bool { return s.State().Loading }

// Err returns the last recorded error.
func (s *Store) Err() error { return s.State().Err }

// Phase returns the store's coarse state.
func (s *Store) Phase() Phase { return s.State().Phase() }

func (s *Store) stateLocked() State {
	st := State{
		Session:      s.session.Clone(),
		TeamContext:  s.teamCtx.Clone(),
		Loading:      s.initializing || s.pending > 0,
		Err:          s.err,
		Version:      s.version,
		initializing: s.initializing,
	}
	if st.Session != nil {
		st.User = st.Session.User
	}
	return st
}

// update applies fn under the lock. If fn reports a change, the version is
// bumped and listeners are notified outside the lock.
func (s *Store) update(fn func() bool) bool {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return false
	}
	s.version++
	st := s.stateLocked()
	listeners := make([]func(State), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(st)
	}
	return true
}

type ctxKey struct{}

// WithStore returns a context carrying s.
func WithStore(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the store carried by ctx, or nil.
func FromContext(ctx context.Context) *Store {
	s, _ := ctx.Value(ctxKey{}).(*Store)
	return s
}

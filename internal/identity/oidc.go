package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/hatemosphere/teamctx/internal/storage"
)

// OIDCConfig holds configuration for the OIDC identity provider.
type OIDCConfig struct {
	Issuer        string
	ClientID      string
	ClientSecret  string
	Scopes        []string      // additional scopes beyond "openid" (default: ["profile", "email", "offline_access"])
	EmailClaim    string        // claim key for the user's email (default: "email")
	RoleClaim     string        // claim key for the platform role (default: "role")
	SessionKey    string        // storage key of the persisted session (default: "default")
	RefreshMargin time.Duration // refresh sessions expiring within this window (default: 1m)
}

func (c OIDCConfig) scopes() []string {
	scopes := []string{oidc.ScopeOpenID}
	if len(c.Scopes) > 0 {
		scopes = append(scopes, c.Scopes...)
	} else {
		scopes = append(scopes, "profile", "email", oidc.ScopeOfflineAccess)
	}
	return scopes
}

func (c OIDCConfig) withDefaults() OIDCConfig {
	if c.EmailClaim == "" {
		c.EmailClaim = "email"
	}
	if c.RoleClaim == "" {
		c.RoleClaim = "role"
	}
	if c.SessionKey == "" {
		c.SessionKey = "default"
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = time.Minute
	}
	return c
}

// idTokenVerifier abstracts ID token verification for both production and tests.
type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (claims map[string]any, err error)
}

// goOIDCVerifier wraps go-oidc's IDTokenVerifier.
type goOIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func (v *goOIDCVerifier) Verify(ctx context.Context, rawIDToken string) (map[string]any, error) {
	token, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	return claims, nil
}

// OIDCProvider is a Provider backed by an OpenID Connect issuer. Sessions are
// obtained through the authorization code flow, renewed with the refresh token
// and persisted in a storage.SessionStore so they survive restarts.
type OIDCProvider struct {
	config       OIDCConfig
	verifier     idTokenVerifier
	oauth2Config oauth2.Config
	store        storage.SessionStore
	emitter      Emitter
	now          func() time.Time

	mu      sync.Mutex
	current *Session
	loaded  bool
}

var _ Provider = (*OIDCProvider)(nil)

// NewOIDCProvider creates a provider using go-oidc discovery against config.Issuer.
func NewOIDCProvider(ctx context.Context, config OIDCConfig, store storage.SessionStore) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", config.Issuer, err)
	}

	verifier := &goOIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: config.ClientID})}
	return newOIDCProvider(config, store, verifier, provider.Endpoint()), nil
}

func newOIDCProvider(config OIDCConfig, store storage.SessionStore, verifier idTokenVerifier, endpoint oauth2.Endpoint) *OIDCProvider {
	config = config.withDefaults()
	return &OIDCProvider{
		config:   config,
		verifier: verifier,
		oauth2Config: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       config.scopes(),
		},
		store: store,
		now:   time.Now,
	}
}

// OnAuthStateChange registers a listener for sign-in, refresh and sign-out events.
func (p *OIDCProvider) OnAuthStateChange(l Listener) *Subscription {
	return p.emitter.Subscribe(l)
}

// GetSession returns the current session, loading it from the session store on
// first use. A session close to expiry is refreshed first; listeners then
// receive EventTokenRefreshed. An expired session without a refresh token is
// discarded and reported as no session. So is a session whose refresh token
// the issuer rejects with invalid_grant; listeners then receive EventSignedOut.
func (p *OIDCProvider) GetSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	s, event, err := p.getSessionLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if event != "" {
		p.emitter.Emit(event, s)
	}
	return s.Clone(), nil
}

// getSessionLocked returns the current session and the event its load caused,
// if any.
func (p *OIDCProvider) getSessionLocked(ctx context.Context) (*Session, Event, error) {
	if !p.loaded {
		rec, err := p.store.GetAuthSession(ctx, p.config.SessionKey)
		if err != nil {
			return nil, "", fmt.Errorf("load session: %w", err)
		}
		p.current = sessionFromRecord(rec)
		p.loaded = true
	}
	if p.current == nil {
		return nil, "", nil
	}
	if !p.current.ExpiresWithin(p.now(), p.config.RefreshMargin) {
		return p.current, "", nil
	}

	if p.current.RefreshToken == "" {
		slog.Info("discarding expired session without refresh token", "user", userID(p.current))
		if err := p.clearLocked(ctx); err != nil {
			return nil, "", err
		}
		return nil, "", nil
	}
	s, err := p.refreshLocked(ctx)
	if isInvalidGrant(err) {
		slog.Warn("refresh token rejected, discarding session", "user", userID(p.current), "error", err)
		if err := p.clearLocked(ctx); err != nil {
			return nil, "", err
		}
		return nil, EventSignedOut, nil
	}
	if err != nil {
		return nil, "", err
	}
	return s, EventTokenRefreshed, nil
}

// Refresh renews the current session with its refresh token, regardless of expiry.
func (p *OIDCProvider) Refresh(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	_, event, err := p.getSessionLocked(ctx)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.current == nil {
		p.mu.Unlock()
		if event == EventSignedOut {
			p.emitter.Emit(event, nil)
		}
		return nil, ErrNoSession
	}
	s, err := p.refreshLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p.emitter.Emit(EventTokenRefreshed, s)
	return s.Clone(), nil
}

func (p *OIDCProvider) refreshLocked(ctx context.Context) (*Session, error) {
	prev := p.current
	if prev.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	t := &oauth2.Token{
		RefreshToken: prev.RefreshToken,
		Expiry:       p.now().Add(-time.Hour),
	}
	tok, err := p.oauth2Config.TokenSource(ctx, t).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh rejected: %w", err)
	}

	s, err := p.sessionFromToken(ctx, tok, "")
	if err != nil {
		return nil, err
	}
	// Providers may omit the ID token and rotate-free refresh tokens on refresh.
	if s.User == nil {
		s.User = prev.User
		s.IDToken = prev.IDToken
	}
	if s.RefreshToken == "" {
		s.RefreshToken = prev.RefreshToken
	}
	if err := p.saveLocked(ctx, s); err != nil {
		return nil, err
	}
	slog.Debug("session refreshed", "user", userID(s), "expires_at", s.ExpiresAt)
	return s, nil
}

// AuthCodeURL builds the provider's authorization URL for browser login.
// Returns the URL and a crypto-random nonce that must be passed to ExchangeCode.
func (p *OIDCProvider) AuthCodeURL(redirectURI, state string) (authURL, nonce string) {
	nonce = generateNonce()
	cfg := p.oauth2Config
	cfg.RedirectURL = redirectURI
	authURL = cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("nonce", nonce),
	)
	return authURL, nonce
}

// generateNonce generates a 32-byte crypto-random hex nonce.
func generateNonce() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// Never fails in practice; an empty nonce fails validation in ExchangeCode.
		return ""
	}
	return hex.EncodeToString(b)
}

// ExchangeCode exchanges an authorization code for a session, validates the
// nonce claim of the ID token, persists the session and emits EventSignedIn.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, redirectURI, expectedNonce string) (*Session, error) {
	cfg := p.oauth2Config
	cfg.RedirectURL = redirectURI

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}
	if raw, _ := tok.Extra("id_token").(string); raw == "" {
		return nil, errors.New("no id_token in code exchange response")
	}

	s, err := p.sessionFromToken(ctx, tok, expectedNonce)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	err = p.saveLocked(ctx, s)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	slog.Info("signed in", "user", userID(s))
	p.emitter.Emit(EventSignedIn, s)
	return s.Clone(), nil
}

// SignOut deletes the persisted session and emits EventSignedOut. If the
// session store fails, the session is kept and the error returned.
func (p *OIDCProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	err := p.clearLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.emitter.Emit(EventSignedOut, nil)
	return nil
}

func (p *OIDCProvider) clearLocked(ctx context.Context) error {
	if err := p.store.DeleteAuthSession(ctx, p.config.SessionKey); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	p.current = nil
	p.loaded = true
	return nil
}

func (p *OIDCProvider) saveLocked(ctx context.Context, s *Session) error {
	rec := &storage.AuthSession{
		Key:          p.config.SessionKey,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		IDToken:      s.IDToken,
		TokenType:    s.TokenType,
		ExpiresAt:    s.ExpiresAt,
	}
	if s.User != nil {
		rec.UserID = s.User.ID
		rec.Email = s.User.Email
		rec.Role = s.User.Role
	}
	if err := p.store.SaveAuthSession(ctx, rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	p.current = s
	p.loaded = true
	return nil
}

// sessionFromToken builds a session from an oauth2 token, verifying the ID
// token when one is present. expectedNonce is checked only when non-empty.
func (p *OIDCProvider) sessionFromToken(ctx context.Context, tok *oauth2.Token, expectedNonce string) (*Session, error) {
	s := &Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return s, nil
	}
	claims, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("invalid ID token: %w", err)
	}
	if expectedNonce != "" {
		tokenNonce, _ := claims["nonce"].(string)
		if tokenNonce == "" {
			return nil, errors.New("ID token missing nonce claim")
		}
		if subtle.ConstantTimeCompare([]byte(expectedNonce), []byte(tokenNonce)) != 1 {
			return nil, errors.New("ID token nonce mismatch")
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("ID token missing sub claim")
	}
	email, _ := claims[p.config.EmailClaim].(string)
	role, _ := claims[p.config.RoleClaim].(string)
	if role == "" {
		role = "authenticated"
	}

	s.IDToken = rawIDToken
	s.User = &User{ID: sub, Email: email, Role: role}
	return s, nil
}

func sessionFromRecord(rec *storage.AuthSession) *Session {
	if rec == nil {
		return nil
	}
	s := &Session{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		IDToken:      rec.IDToken,
		TokenType:    rec.TokenType,
		ExpiresAt:    rec.ExpiresAt,
	}
	if rec.UserID != "" {
		s.User = &User{ID: rec.UserID, Email: rec.Email, Role: rec.Role}
	}
	return s
}

func userID(s *Session) string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.ID
}

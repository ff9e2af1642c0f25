package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/teamctx/internal/api"
	"github.com/hatemosphere/teamctx/internal/audit"
	"github.com/hatemosphere/teamctx/internal/auth"
	"github.com/hatemosphere/teamctx/internal/config"
	"github.com/hatemosphere/teamctx/internal/identity"
	"github.com/hatemosphere/teamctx/internal/session"
	"github.com/hatemosphere/teamctx/internal/storage"
	"github.com/hatemosphere/teamctx/internal/teamapi"
)

const backendSecret = "cli-test-secret"

func newBackend(t *testing.T) (*httptest.Server, *storage.SQLiteStore) {
	t.Helper()
	audit.Enabled = false
	t.Cleanup(func() { audit.Enabled = true })

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "backend.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, tm := range []*storage.Team{
		{ID: "team-a", Name: "Alpha", Slug: "alpha", IsActive: true},
		{ID: "team-b", Name: "Beta", Slug: "beta", IsActive: true},
	} {
		require.NoError(t, store.CreateTeam(ctx, tm))
	}
	require.NoError(t, store.AddMember(ctx, &storage.Membership{TeamID: "team-a", UserID: "u1", Role: "owner"}))
	require.NoError(t, store.AddMember(ctx, &storage.Membership{TeamID: "team-b", UserID: "u1", Role: "member"}))

	jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{SigningKey: backendSecret})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.IssuerConfig{SigningKey: backendSecret})
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(store, jwtAuth, api.WithTokenIssuer(issuer)).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func cliToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"role":  "authenticated",
		"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(backendSecret))
	require.NoError(t, err)
	return tok
}

func cfgFor(t *testing.T, apiURL, token string) *config.ClientConfig {
	t.Helper()
	cfg, _, err := config.ParseClient("teamctx", []string{"--api-url", apiURL, "--token", token})
	require.NoError(t, err)
	return cfg
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_Status(t *testing.T) {
	srv, _ := newBackend(t)

	out, err := runCLI(t, "status", "--api-url", srv.URL, "--token", cliToken(t, "u1"))
	require.NoError(t, err)
	assert.Contains(t, out, "u1@example.com")
	assert.Contains(t, out, "team:  Alpha")
	assert.Regexp(t, `\*\s+team-a\s+Alpha\s+alpha\s+owner`, out)
	assert.Regexp(t, `\n\s+team-b\s+Beta\s+beta\s+member`, out)
}

func TestCLI_StatusSignedOut(t *testing.T) {
	srv, _ := newBackend(t)

	out, err := runCLI(t, "status", "--api-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "not signed in")
}

func TestCLI_SwitchBySlug(t *testing.T) {
	srv, store := newBackend(t)

	out, err := runCLI(t, "switch", "beta", "--print-token", "--api-url", srv.URL, "--token", cliToken(t, "u1"))
	require.NoError(t, err)
	assert.Regexp(t, `\*\s+team-b\s+Beta`, out)
	assert.Contains(t, out, "token:")

	cur, err := store.GetCurrentTeam(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "team-b", cur)
}

func TestCLI_SwitchForbidden(t *testing.T) {
	srv, _ := newBackend(t)

	_, err := runCLI(t, "switch", "team-a", "--api-url", srv.URL, "--token", cliToken(t, "stranger"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestCLI_Logout(t *testing.T) {
	srv, _ := newBackend(t)

	out, err := runCLI(t, "logout", "--api-url", srv.URL, "--token", cliToken(t, "u1"))
	require.NoError(t, err)
	assert.Contains(t, out, "signed out")
}

// rejectingProvider fails every session lookup, like an OIDC provider whose
// refresh token was revoked while the issuer is unreachable.
type rejectingProvider struct {
	identity.Emitter

	mu        sync.Mutex
	signedOut bool
}

func (p *rejectingProvider) GetSession(context.Context) (*identity.Session, error) {
	return nil, errors.New("refresh rejected: oauth2: \"invalid_grant\"")
}

func (p *rejectingProvider) SignOut(context.Context) error {
	p.mu.Lock()
	p.signedOut = true
	p.mu.Unlock()
	p.Emit(identity.EventSignedOut, nil)
	return nil
}

func (p *rejectingProvider) OnAuthStateChange(l identity.Listener) *identity.Subscription {
	return p.Subscribe(l)
}

func TestLogout_SessionUnresolvable(t *testing.T) {
	srv, _ := newBackend(t)
	p := &rejectingProvider{}
	a := &app{provider: p, store: session.New(p, teamapi.New(srv.URL))}
	defer a.store.Close()

	require.NoError(t, a.logout(context.Background()))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.True(t, p.signedOut)
	assert.Nil(t, a.store.Session())
}

func TestCLI_LoginNeedsOIDC(t *testing.T) {
	_, err := runCLI(t, "login", "--token", "")
	assert.ErrorContains(t, err, "oidc-issuer")
}

func TestResolveTeam(t *testing.T) {
	srv, _ := newBackend(t)
	a, err := newApp(context.Background(), cfgFor(t, srv.URL, cliToken(t, "u1")))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.initialize(context.Background()))

	tc := a.store.TeamContext()
	assert.Equal(t, "team-b", resolveTeam(tc, "beta"))
	assert.Equal(t, "team-a", resolveTeam(tc, "team-a"))
	assert.Equal(t, "gamma", resolveTeam(tc, "gamma"))
}

func TestCallbackHandler(t *testing.T) {
	var got []callbackResult
	h := callbackHandler("st-1", func(r callbackResult) { got = append(got, r) })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?state=wrong&code=c", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, got)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?state=st-1&error=access_denied", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, got, 1)
	assert.ErrorContains(t, got[0].err, "access_denied")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?state=st-1&code=abc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, got, 2)
	assert.Equal(t, "abc", got[1].code)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/teamctx/internal/auth"
	"github.com/hatemosphere/teamctx/internal/gziputil"
	"github.com/hatemosphere/teamctx/internal/storage"
	"github.com/hatemosphere/teamctx/internal/team"
)

const testSecret = "router-test-secret"

type routerFixture struct {
	handler http.Handler
	store   *storage.SQLiteStore
	alpha   *storage.Team
	beta    *storage.Team
	other   *storage.Team
}

func newRouterFixture(t *testing.T, opts ...ServerOption) *routerFixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	f := &routerFixture{
		store: store,
		alpha: &storage.Team{Name: "Alpha", Slug: "alpha", IsActive: true},
		beta:  &storage.Team{Name: "Beta", Slug: "beta", IsActive: true},
		other: &storage.Team{Name: "Other", Slug: "other", IsActive: true},
	}
	for _, tm := range []*storage.Team{f.alpha, f.beta, f.other} {
		require.NoError(t, store.CreateTeam(ctx, tm))
	}
	for _, m := range []*storage.Membership{
		{TeamID: f.alpha.ID, UserID: "u1", Email: "u1@example.com", Role: "owner"},
		{TeamID: f.beta.ID, UserID: "u1", Email: "u1@example.com", Role: "viewer"},
		{TeamID: f.alpha.ID, UserID: "u2", Role: "member", InvitationStatus: storage.StatusPending},
		{TeamID: f.other.ID, UserID: "u3", Role: "owner"},
	} {
		require.NoError(t, store.AddMember(ctx, m))
	}

	jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{SigningKey: testSecret})
	require.NoError(t, err)
	f.handler = NewServer(store, jwtAuth, opts...).Router()
	return f
}

func userToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func (f *routerFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Welcome(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Welcome to the Teams API"}`, rec.Body.String())
}

func TestRouter_Metrics(t *testing.T) {
	f := newRouterFixture(t)
	f.do(t, http.MethodGet, "/", "", nil)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "teamctx_http_requests_total")
}

func TestRouter_OpenAPI(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(t, http.MethodGet, "/openapi.json", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/teams/auth/switch-team")
}

func TestRouter_OpenAPI30(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(t, http.MethodGet, "/openapi-3.0.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc, err := openapi3.NewLoader().LoadFromData(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Equal(t, "Teams API", doc.Info.Title)
	for _, path := range []string{"/teams/auth/context", "/teams/auth/switch-team", "/teams/{teamId}/members"} {
		assert.NotNil(t, doc.Paths.Find(path), path)
	}
	switchOp := doc.Paths.Find("/teams/auth/switch-team").Post
	require.NotNil(t, switchOp)
	assert.Equal(t, "switchTeam", switchOp.OperationID)
}

func TestRouter_Unauthorized(t *testing.T) {
	f := newRouterFixture(t)

	tests := []struct {
		name   string
		header string
		msg    string
	}{
		{"missing header", "", "missing Authorization header"},
		{"wrong scheme", "Basic dTE6cHc=", "invalid Authorization header format"},
		{"no token", "Bearer ", "invalid Authorization header format"},
		{"bad token", "Bearer not-a-jwt", "invalid authentication credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/teams/auth/context", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"code":401,"message":"`+tt.msg+`"}`, rec.Body.String())
		})
	}
}

func TestRouter_LowercaseBearer(t *testing.T) {
	f := newRouterFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/teams/auth/context", nil)
	req.Header.Set("Authorization", "bearer "+userToken(t, "u1"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ContextAndSwitch(t *testing.T) {
	f := newRouterFixture(t)
	tok := userToken(t, "u1")

	rec := f.do(t, http.MethodGet, "/teams/auth/context", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ctxResp team.ContextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ctxResp))
	// Teams ordered by name, first one is current without a preference.
	assert.Equal(t, f.alpha.ID, ctxResp.CurrentTeamID)
	assert.Equal(t, team.RoleOwner, ctxResp.CurrentTeamRole)
	require.Len(t, ctxResp.Teams, 2)
	assert.Equal(t, "beta", ctxResp.Teams[1].Slug)

	rec = f.do(t, http.MethodPost, "/teams/auth/switch-team", tok, team.SwitchRequest{TeamID: f.beta.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var switchResp team.SwitchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &switchResp))
	assert.Equal(t, f.beta.ID, switchResp.CurrentTeamID)
	assert.Equal(t, team.RoleViewer, switchResp.CurrentTeamRole)
	assert.Empty(t, switchResp.Token)

	// The preference sticks for later context loads.
	rec = f.do(t, http.MethodGet, "/teams/auth/context", tok, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ctxResp))
	assert.Equal(t, f.beta.ID, ctxResp.CurrentTeamID)

	rec = f.do(t, http.MethodPost, "/teams/auth/switch-team", tok, team.SwitchRequest{TeamID: f.other.ID})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, http.MethodPost, "/teams/auth/switch-team", tok, team.SwitchRequest{TeamID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/teams/auth/switch-team", tok, team.SwitchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_IssuedTokenAuthenticates(t *testing.T) {
	issuer, err := auth.NewTokenIssuer(auth.IssuerConfig{SigningKey: "a-different-issuer-key", Issuer: "teamctx"})
	require.NoError(t, err)
	f := newRouterFixture(t, WithTokenIssuer(issuer))

	rec := f.do(t, http.MethodPost, "/teams/auth/switch-team", userToken(t, "u1"),
		team.SwitchRequest{TeamID: f.beta.ID, RefreshToken: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var switchResp team.SwitchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &switchResp))
	require.NotEmpty(t, switchResp.Token)

	// Reset the preference so only the token binding selects beta.
	require.NoError(t, f.store.SetCurrentTeam(context.Background(), "u1", f.alpha.ID))

	rec = f.do(t, http.MethodGet, "/teams/auth/context", switchResp.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ctxResp team.ContextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ctxResp))
	assert.Equal(t, f.beta.ID, ctxResp.CurrentTeamID)
}

func TestRouter_GzipBody(t *testing.T) {
	f := newRouterFixture(t)
	body, err := gziputil.Compress([]byte(`{"team_id":"` + f.beta.ID + `"}`))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/teams/auth/switch-team", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+userToken(t, "u1"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), f.beta.ID)

	req = httptest.NewRequest(http.MethodPost, "/teams/auth/switch-team", strings.NewReader("not gzip"))
	req.Header.Set("Authorization", "Bearer "+userToken(t, "u1"))
	req.Header.Set("Content-Encoding", "gzip")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"code":400,"message":"invalid gzip body"}`, rec.Body.String())
}

func TestRouter_Members(t *testing.T) {
	f := newRouterFixture(t)
	tok := userToken(t, "u1")

	rec := f.do(t, http.MethodGet, "/teams/"+f.alpha.ID+"/members", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListMembersOutput
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list.Body))
	require.Len(t, list.Body.Members, 1)
	assert.Equal(t, "u1", list.Body.Members[0].UserID)

	rec = f.do(t, http.MethodGet, "/teams/"+f.alpha.ID+"/members?status=pending", tok, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list.Body))
	require.Len(t, list.Body.Members, 1)
	assert.Equal(t, "u2", list.Body.Members[0].UserID)

	rec = f.do(t, http.MethodGet, "/teams/"+f.alpha.ID+"/members/u2", tok, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"invitation_status":"pending"`)

	rec = f.do(t, http.MethodGet, "/teams/"+f.alpha.ID+"/members/nobody", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/teams/"+f.other.ID+"/members", tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRealIP(t *testing.T) {
	var got string
	h := realIP(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) { got = r.RemoteAddr }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "10.0.0.1", got)

	req.Header.Set("X-Real-Ip", "10.0.0.9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "10.0.0.9", got)
}

func TestRecoverer(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

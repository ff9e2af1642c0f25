package api

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/hatemosphere/teamctx/internal/audit"
	"github.com/hatemosphere/teamctx/internal/auth"
	"github.com/hatemosphere/teamctx/internal/gziputil"
	"github.com/hatemosphere/teamctx/internal/storage"
)

// maxRequestBody caps decompressed request bodies.
const maxRequestBody = 1 << 20

// Server is the HTTP API server of the teams backend.
type Server struct {
	store   storage.Store
	jwtAuth *auth.JWTAuthenticator
	members *auth.MembershipCache // nil = read memberships from store directly
	issuer  *auth.TokenIssuer     // nil = switch-team never returns a token
	humaAPI huma.API

	teamTokens *auth.JWTAuthenticator // validates tokens minted by issuer
}

// NewServer creates a new API server.
func NewServer(store storage.Store, jwtAuth *auth.JWTAuthenticator, opts ...ServerOption) *Server {
	s := &Server{
		store:   store,
		jwtAuth: jwtAuth,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures the API server.
type ServerOption func(*Server)

// WithMembershipCache resolves caller memberships through the cache.
func WithMembershipCache(c *auth.MembershipCache) ServerOption {
	return func(s *Server) { s.members = c }
}

// WithTokenIssuer enables team-bound tokens in switch-team responses.
func WithTokenIssuer(i *auth.TokenIssuer) ServerOption {
	return func(s *Server) {
		s.issuer = i
		s.teamTokens = i.Verifier()
	}
}

// humaJSONFormat uses stdlib encoding/json for huma request/response serialization.
var humaJSONFormat = huma.Format{
	Marshal: func(w io.Writer, v any) error {
		return stdjson.NewEncoder(w).Encode(v)
	},
	Unmarshal: stdjson.Unmarshal,
}

// newHumaConfig creates the huma configuration for the API.
func newHumaConfig() huma.Config {
	registry := huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	config := huma.Config{
		OpenAPI: &huma.OpenAPI{
			OpenAPI: "3.1.0",
			Info: &huma.Info{
				Title:   "Teams API",
				Version: "0.1.0",
			},
			Components: &huma.Components{
				Schemas: registry,
			},
		},
		OpenAPIPath:   "", // served via our own route
		DocsPath:      "",
		SchemasPath:   "",
		Formats:       map[string]huma.Format{"application/json": humaJSONFormat, "json": humaJSONFormat},
		DefaultFormat: "application/json",
	}
	config.AllowAdditionalPropertiesByDefault = true
	config.FieldsOptionalByDefault = true
	return config
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Router returns the configured HTTP handler with all endpoints.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Public huma routes (no auth).
	publicAPI := humago.New(mux, newHumaConfig())
	publicAPI.UseMiddleware(metricsHumaMiddleware)
	s.registerPublicRoutes(publicAPI)

	// Auth-protected API routes.
	api := humago.New(mux, newHumaConfig())
	api.UseMiddleware(metricsHumaMiddleware)
	api.UseMiddleware(s.authHumaMiddleware(api))
	api.UseMiddleware(auditHumaMiddleware)
	s.humaAPI = api

	s.registerTeams(api)

	// HTTP-level middleware (outermost applied last).
	var handler http.Handler = mux
	handler = gzipDecompressor(handler)
	handler = requestLogger(handler)
	handler = recoverer(handler)
	handler = realIP(handler)
	return handler
}

// registerPublicRoutes registers unauthenticated huma operations.
func (s *Server) registerPublicRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "welcome",
		Method:      http.MethodGet,
		Path:        "/",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*WelcomeOutput, error) {
		out := &WelcomeOutput{}
		out.Body.Message = "Welcome to the Teams API"
		return out, nil
	})

	// Prometheus metrics.
	huma.Register(api, huma.Operation{
		OperationID: "getMetrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Tags:        []string{"Meta"},
	}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
		return &huma.StreamResponse{
			Body: func(ctx huma.Context) {
				rec := httptest.NewRecorder()
				MetricsHandler().ServeHTTP(rec, &http.Request{})
				for k, vals := range rec.Header() {
					for _, v := range vals {
						ctx.SetHeader(k, v)
					}
				}
				_, _ = ctx.BodyWriter().Write(rec.Body.Bytes())
			},
		}, nil
	})

	// OpenAPI document of the authenticated API.
	huma.Register(api, huma.Operation{
		OperationID: "getOpenAPISpec",
		Method:      http.MethodGet,
		Path:        "/openapi.json",
		Tags:        []string{"Meta"},
	}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
		return s.openAPIDocument(func(o *huma.OpenAPI) ([]byte, error) { return stdjson.Marshal(o) }), nil
	})

	// Same document downgraded for OpenAPI 3.0 tooling.
	huma.Register(api, huma.Operation{
		OperationID: "getOpenAPI30Spec",
		Method:      http.MethodGet,
		Path:        "/openapi-3.0.json",
		Tags:        []string{"Meta"},
	}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
		return s.openAPIDocument((*huma.OpenAPI).Downgrade), nil
	})
}

func (s *Server) openAPIDocument(encode func(*huma.OpenAPI) ([]byte, error)) *huma.StreamResponse {
	return &huma.StreamResponse{
		Body: func(ctx huma.Context) {
			ctx.SetHeader("Content-Type", "application/json")
			if s.humaAPI == nil {
				_, _ = ctx.BodyWriter().Write([]byte(`{}`))
				return
			}
			data, err := encode(s.humaAPI.OpenAPI())
			if err != nil {
				slog.Error("failed to encode OpenAPI document", "error", err)
				ctx.SetStatus(http.StatusInternalServerError)
				return
			}
			_, _ = ctx.BodyWriter().Write(data)
		},
	}
}

const (
	authMethodJWT       = "jwt"
	authMethodTeamToken = "team-token"
)

type authMethodKey struct{}

func authMethod(ctx context.Context) string {
	m, _ := ctx.Value(authMethodKey{}).(string)
	return m
}

// authHumaMiddleware returns a huma middleware that validates the bearer JWT
// in the Authorization header and sets the caller's Identity on the context.
func (s *Server) authHumaMiddleware(api huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		authHeader := ctx.Header("Authorization")
		if authHeader == "" {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid Authorization header format")
			return
		}

		method := authMethodJWT
		identity, err := s.jwtAuth.Validate(token)
		if err != nil && s.teamTokens != nil {
			if id, terr := s.teamTokens.Validate(token); terr == nil {
				identity, err, method = id, nil, authMethodTeamToken
			}
		}
		if err != nil {
			slog.Warn("JWT validation failed", "error", err)
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid authentication credentials")
			return
		}

		slog.Debug("JWT authentication successful", "user", identity.UserID, "team", identity.TeamID, "method", method)
		c := auth.WithIdentity(ctx.Context(), identity)
		c = context.WithValue(c, authMethodKey{}, method)
		next(huma.WithContext(ctx, c))
	}
}

// metricsHumaMiddleware records Prometheus metrics for each huma request using
// the operation path as the route label for clean, low-cardinality metrics.
func metricsHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)
	elapsed := time.Since(start)

	route := ctx.Operation().Path
	status := ctx.Status()
	if status == 0 {
		status = 200
	}

	httpRequestsTotal.WithLabelValues(ctx.Method(), route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(ctx.Method(), route).Observe(elapsed.Seconds())
}

// auditHumaMiddleware logs structured audit entries for state-mutating API
// operations. It runs after authHumaMiddleware, so the identity is available.
func auditHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	next(ctx)

	method := ctx.Method()
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return
	}

	actor := "unknown"
	if identity := auth.IdentityFromContext(ctx.Context()); identity != nil {
		actor = identity.UserID
	}

	status := ctx.Status()
	if status == 0 {
		status = 200
	}

	e := audit.Event{
		Actor:      actor,
		Action:     ctx.Operation().OperationID,
		Method:     method,
		Team:       ctx.Param("teamId"),
		HTTPStatus: status,
		IP:         ctx.RemoteAddr(),
		AuthMethod: authMethod(ctx.Context()),
	}
	if status >= 400 {
		e.Warn("Audit Log: API Request")
	} else {
		e.Info("Audit Log: API Request")
	}
}

// requestLogger logs each HTTP request with method, path, status, and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		slog.Info("request", //nolint:gosec // structured logger, not format string
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"latency", time.Since(start),
		)
	})
}

// realIP extracts the real client IP from X-Real-Ip or X-Forwarded-For headers.
func realIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rip := r.Header.Get("X-Real-Ip"); rip != "" {
			r.RemoteAddr = rip
		} else if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i > 0 {
				r.RemoteAddr = strings.TrimSpace(xff[:i])
			} else {
				r.RemoteAddr = xff
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer recovers from panics and returns a 500 Internal Server Error.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				slog.Error("panic recovered", "error", rvr, "method", r.Method, "path", r.URL.Path) //nolint:gosec // structured logger, not format string
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// gzipDecompressor transparently decompresses gzip request bodies.
func gzipDecompressor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "gzip" {
			body, err := gziputil.NewReader(r.Body, maxRequestBody)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid gzip body")
				return
			}
			r.Body = body
			r.Header.Del("Content-Encoding")
			r.ContentLength = -1
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = stdjson.NewEncoder(w).Encode(newAPIError(status, msg))
}

// storageStatus maps storage errors to HTTP errors.
func storageStatus(err error, notFound string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return huma.NewError(http.StatusNotFound, notFound)
	}
	slog.Error("storage error", "error", err)
	return huma.NewError(http.StatusInternalServerError, "internal error")
}

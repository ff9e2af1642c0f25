// Package teamapi is a typed client for the team-context endpoints of the
// teams backend.
package teamapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/hatemosphere/teamctx/internal/gziputil"
	"github.com/hatemosphere/teamctx/internal/team"
)

const (
	contextPath = "/teams/auth/context"
	switchPath  = "/teams/auth/switch-team"

	maxErrorBody = 4 << 10
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Op         string // "loading team context", "switching team"
	StatusCode int
	Message    string // backend error message, if the body carried one
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("error %s: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("error %s: %d %s", e.Op, e.StatusCode, e.Message)
}

// Client calls the team-context API. It is safe for concurrent use.
type Client struct {
	baseURL string
	base    http.RoundTripper
	gzip    bool
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the round tripper under the bearer-token transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.base = rt }
}

// WithGzip compresses request bodies with Content-Encoding: gzip.
func WithGzip() Option {
	return func(c *Client) { c.gzip = true }
}

// New creates a client for the API rooted at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		base:    http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// httpClient returns a client that sends token as the bearer credential.
func (c *Client) httpClient(token string) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.base,
		},
	}
}

// Context fetches the caller's current team, role and team list.
func (c *Client) Context(ctx context.Context, token string) (*team.ContextResponse, error) {
	var out team.ContextResponse
	if err := c.do(ctx, token, http.MethodGet, contextPath, nil, &out, "loading team context"); err != nil {
		return nil, err
	}
	return &out, nil
}

// SwitchTeam makes teamID the caller's current team and asks the backend for a
// fresh access token bound to it.
func (c *Client) SwitchTeam(ctx context.Context, token, teamID string) (*team.SwitchResponse, error) {
	req := team.SwitchRequest{TeamID: teamID, RefreshToken: true}
	var out team.SwitchResponse
	if err := c.do(ctx, token, http.MethodPost, switchPath, req, &out, "switching team"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, token, method, path string, in, out any, op string) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		if c.gzip {
			if b, err = gziputil.Compress(b); err != nil {
				return fmt.Errorf("compress request: %w", err)
			}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.gzip {
			req.Header.Set("Content-Encoding", "gzip")
		}
	}

	resp, err := c.httpClient(token).Do(req)
	if err != nil {
		return fmt.Errorf("error %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error %s: decode response: %w", op, err)
	}
	return nil
}

// errorMessage extracts the message of a {"code","message"} error body.
func errorMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(b) == 0 {
		return ""
	}
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &e) == nil {
		return e.Message
	}
	return ""
}

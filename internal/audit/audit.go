// Package audit emits structured audit log entries for team-context changes.
package audit

import "log/slog"

// Enabled controls whether audit log entries are emitted.
var Enabled = true

// Event is a structured audit log entry. Only non-zero fields are logged.
type Event struct {
	Actor      string // user ID of the caller, or "unknown"
	Action     string // operation ID, e.g. "switchTeam"
	Status     string // "granted", "denied", "failed"
	Team       string // team the action targets
	Role       string // caller's role in Team, when known
	Method     string
	HTTPStatus int
	Reason     string // why the action was denied or failed
	IP         string
	AuthMethod string // "jwt" for provider tokens, "team-token" for issued ones
	Extra      []any
}

// Info emits the event at INFO level.
func (e Event) Info(msg string) {
	if !Enabled {
		return
	}
	slog.Info(msg, slog.Group("audit", e.attrs()...)) //nolint:gosec // structured logger safely escapes taint
}

// Warn emits the event at WARN level.
func (e Event) Warn(msg string) {
	if !Enabled {
		return
	}
	slog.Warn(msg, slog.Group("audit", e.attrs()...)) //nolint:gosec // structured logger safely escapes taint
}

func (e Event) attrs() []any {
	var attrs []any
	str := func(key, v string) {
		if v != "" {
			attrs = append(attrs, slog.String(key, v))
		}
	}
	str("actor", e.Actor)
	str("action", e.Action)
	str("status", e.Status)
	str("team", e.Team)
	str("role", e.Role)
	str("method", e.Method)
	if e.HTTPStatus != 0 {
		attrs = append(attrs, slog.Int("http_status", e.HTTPStatus))
	}
	str("reason", e.Reason)
	str("ip_address", e.IP)
	str("auth_method", e.AuthMethod)
	return append(attrs, e.Extra...)
}

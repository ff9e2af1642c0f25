package team

import (
	"fmt"
	"slices"
)

// Role is a user's authorization level within a team.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return r, nil
	default:
		return "", fmt.Errorf("unknown team role: %q", s)
	}
}

// Team is one entry of the list of teams a user can switch between.
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
	Role Role   `json:"role"`
}

// Context is the active team and role plus every team the user belongs to.
// The zero value is not normalized; use Empty for the logged-out context.
type Context struct {
	CurrentTeamID   string
	CurrentTeamRole Role
	Teams           []Team
}

// Empty returns the context used when no user is signed in: no current team and
// an empty (non-nil) team list.
func Empty() Context {
	return Context{Teams: []Team{}}
}

// Equal reports whether two contexts carry the same current team, role and
// team list. The list comparison is order-sensitive. A nil list equals an empty one.
func (c Context) Equal(o Context) bool {
	return c.CurrentTeamID == o.CurrentTeamID &&
		c.CurrentTeamRole == o.CurrentTeamRole &&
		slices.Equal(c.Teams, o.Teams)
}

// Clone returns a deep copy so callers can't mutate the team list of a stored context.
func (c Context) Clone() Context {
	out := c
	out.Teams = slices.Clone(c.Teams)
	if out.Teams == nil {
		out.Teams = []Team{}
	}
	return out
}

// Find returns the team with the given ID.
func (c Context) Find(id string) (Team, bool) {
	for _, t := range c.Teams {
		if t.ID == id {
			return t, true
		}
	}
	return Team{}, false
}

// ContextResponse is the body of GET /teams/auth/context.
type ContextResponse struct {
	CurrentTeamID   string `json:"current_team_id,omitempty"`
	CurrentTeamRole Role   `json:"current_team_role,omitempty"`
	Teams           []Team `json:"teams"`
}

// Context converts the wire response into a normalized Context.
func (r *ContextResponse) Context() Context {
	return Context{
		CurrentTeamID:   r.CurrentTeamID,
		CurrentTeamRole: r.CurrentTeamRole,
		Teams:           r.Teams,
	}.Clone()
}

// SwitchRequest is the body of POST /teams/auth/switch-team.
type SwitchRequest struct {
	TeamID       string `json:"team_id"`
	RefreshToken bool   `json:"refresh_token"` //nolint:gosec // flag, not a credential
}

// SwitchResponse is the body returned by POST /teams/auth/switch-team. Token is
// set only when a refreshed, team-bound access token was requested.
type SwitchResponse struct {
	ContextResponse
	Token string `json:"token,omitempty"` //nolint:gosec // field name, not a credential
}

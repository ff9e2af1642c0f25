package api

import (
	"github.com/hatemosphere/teamctx/internal/team"
)

// --- Path param mixins ---

// TeamParams contains the team path parameter.
type TeamParams struct {
	TeamID string `path:"teamId" doc:"Team ID"`
}

// --- Reusable sub-types ---

// Member is a team membership as returned by the member endpoints.
type Member struct {
	ID               string `json:"id"`
	TeamID           string `json:"team_id"`
	UserID           string `json:"user_id"`
	Email            string `json:"email,omitempty"`
	DisplayName      string `json:"display_name,omitempty"`
	Role             string `json:"role"`
	InvitationStatus string `json:"invitation_status"`
	CreatedAt        int64  `json:"created_at"`
}

// --- Public ---

// WelcomeOutput is the response for GET /.
type WelcomeOutput struct {
	Body struct {
		Message string `json:"message"`
	}
}

// --- Team context ---

// TeamContextOutput is the response for GET /teams/auth/context.
type TeamContextOutput struct {
	Body team.ContextResponse
}

// SwitchTeamInput is the request for POST /teams/auth/switch-team.
type SwitchTeamInput struct {
	Body team.SwitchRequest
}

// SwitchTeamOutput is the response for POST /teams/auth/switch-team.
type SwitchTeamOutput struct {
	Body team.SwitchResponse
}

// --- Teams ---

// ListTeamsOutput is the response for GET /teams.
type ListTeamsOutput struct {
	Body struct {
		Teams []team.Team `json:"teams"`
	}
}

// ListMembersInput is the request for GET /teams/{teamId}/members.
type ListMembersInput struct {
	TeamParams
	Status string `query:"status" enum:"active,pending,expired,inactive,all" default:"active" doc:"Invitation status filter"`
}

// ListMembersOutput is the response for GET /teams/{teamId}/members.
type ListMembersOutput struct {
	Body struct {
		Members []Member `json:"members"`
	}
}

// GetMemberInput is the request for GET /teams/{teamId}/members/{userId}.
type GetMemberInput struct {
	TeamParams
	UserID string `path:"userId" doc:"Member user ID"`
}

// GetMemberOutput is the response for GET /teams/{teamId}/members/{userId}.
type GetMemberOutput struct {
	Body Member
}

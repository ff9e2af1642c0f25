package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/teamctx/internal/audit"
	"github.com/hatemosphere/teamctx/internal/auth"
	"github.com/hatemosphere/teamctx/internal/storage"
	"github.com/hatemosphere/teamctx/internal/team"
)

func (s *Server) registerTeams(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getTeamContext",
		Method:      http.MethodGet,
		Path:        "/teams/auth/context",
		Tags:        []string{"Teams"},
	}, func(ctx context.Context, input *struct{}) (*TeamContextOutput, error) {
		id := auth.IdentityFromContext(ctx)
		teams, err := s.userTeams(ctx, id.UserID)
		if err != nil {
			return nil, err
		}

		out := &TeamContextOutput{}
		out.Body = contextResponse(teams, s.currentTeam(ctx, id, teams))
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "switchTeam",
		Method:        http.MethodPost,
		Path:          "/teams/auth/switch-team",
		Tags:          []string{"Teams"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *SwitchTeamInput) (*SwitchTeamOutput, error) {
		id := auth.IdentityFromContext(ctx)
		teamID := input.Body.TeamID
		if teamID == "" {
			return nil, huma.NewError(http.StatusBadRequest, "team_id is required", &huma.ErrorDetail{
				Location: "body.team_id",
				Message:  "must not be empty",
			})
		}

		teams, err := s.userTeams(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		target, err := s.requireMember(ctx, teams, teamID)
		if err != nil {
			auditSwitch(ctx, id, teamID, "", err)
			return nil, err
		}

		if err := s.store.SetCurrentTeam(ctx, id.UserID, teamID); err != nil {
			return nil, storageStatus(err, "team not found")
		}
		if s.members != nil {
			s.members.Invalidate(id.UserID)
		}

		out := &SwitchTeamOutput{}
		out.Body.ContextResponse = contextResponse(teams, target.ID)
		if input.Body.RefreshToken && s.issuer != nil {
			token, expiresAt, err := s.issuer.Issue(id, target.ID, target.Role)
			if err != nil {
				slog.Error("failed to issue team token", "user", id.UserID, "team", teamID, "error", err)
				return nil, huma.NewError(http.StatusInternalServerError, "failed to issue token")
			}
			tokensIssuedTotal.Inc()
			out.Body.Token = token
			slog.Debug("issued team token", "user", id.UserID, "team", teamID, "expires_at", expiresAt)
		}
		teamSwitchesTotal.WithLabelValues("ok").Inc()
		auditSwitch(ctx, id, teamID, target.Role, nil, slog.Bool("token_issued", out.Body.Token != ""))
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listTeams",
		Method:      http.MethodGet,
		Path:        "/teams",
		Tags:        []string{"Teams"},
	}, func(ctx context.Context, input *struct{}) (*ListTeamsOutput, error) {
		id := auth.IdentityFromContext(ctx)
		teams, err := s.userTeams(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		out := &ListTeamsOutput{}
		out.Body.Teams = toTeams(teams)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listTeamMembers",
		Method:      http.MethodGet,
		Path:        "/teams/{teamId}/members",
		Tags:        []string{"Members"},
	}, func(ctx context.Context, input *ListMembersInput) (*ListMembersOutput, error) {
		if err := s.requireTeamAccess(ctx, input.TeamID); err != nil {
			return nil, err
		}

		status := input.Status
		if status == "all" {
			status = ""
		}
		members, err := s.store.ListMembers(ctx, input.TeamID, status)
		if err != nil {
			return nil, storageStatus(err, "team not found")
		}

		out := &ListMembersOutput{}
		out.Body.Members = make([]Member, 0, len(members))
		for i := range members {
			out.Body.Members = append(out.Body.Members, toMember(&members[i]))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getTeamMember",
		Method:      http.MethodGet,
		Path:        "/teams/{teamId}/members/{userId}",
		Tags:        []string{"Members"},
	}, func(ctx context.Context, input *GetMemberInput) (*GetMemberOutput, error) {
		if err := s.requireTeamAccess(ctx, input.TeamID); err != nil {
			return nil, err
		}
		m, err := s.store.GetMember(ctx, input.TeamID, input.UserID)
		if err != nil {
			return nil, storageStatus(err, "member not found")
		}
		out := &GetMemberOutput{}
		out.Body = toMember(m)
		return out, nil
	})
}

// auditSwitch records the outcome of a team switch.
func auditSwitch(ctx context.Context, id *auth.Identity, teamID, role string, err error, extra ...any) {
	e := audit.Event{
		Actor:      id.UserID,
		Action:     "switchTeam",
		Status:     "granted",
		Team:       teamID,
		Role:       role,
		AuthMethod: authMethod(ctx),
		Extra:      extra,
	}
	if err != nil {
		e.Status = "denied"
		e.Reason = err.Error()
		e.Warn("Audit Log: team switch denied")
		return
	}
	e.Info("Audit Log: team switched")
}

// userTeams lists the caller's active teams, through the membership cache when configured.
func (s *Server) userTeams(ctx context.Context, userID string) ([]storage.UserTeam, error) {
	var teams []storage.UserTeam
	var err error
	if s.members != nil {
		teams, err = s.members.UserTeams(ctx, userID)
	} else {
		teams, err = s.store.ListUserTeams(ctx, userID)
	}
	if err != nil {
		slog.Error("failed to list user teams", "user", userID, "error", err)
		return nil, huma.NewError(http.StatusInternalServerError, "failed to load teams")
	}
	return teams, nil
}

// currentTeam picks the caller's current team: the team the token is bound to,
// then the stored preference, then the first team. Only teams the caller is
// still an active member of qualify.
func (s *Server) currentTeam(ctx context.Context, id *auth.Identity, teams []storage.UserTeam) string {
	if len(teams) == 0 {
		return ""
	}
	if id.TeamID != "" && findTeam(teams, id.TeamID) != nil {
		return id.TeamID
	}
	pref, err := s.store.GetCurrentTeam(ctx, id.UserID)
	if err != nil {
		slog.Warn("failed to read current team preference", "user", id.UserID, "error", err)
	} else if pref != "" && findTeam(teams, pref) != nil {
		return pref
	}
	return teams[0].ID
}

// requireMember returns the caller's membership of teamID: 404 when the team
// doesn't exist, 403 when the caller isn't an active member.
func (s *Server) requireMember(ctx context.Context, teams []storage.UserTeam, teamID string) (*storage.UserTeam, error) {
	if t := findTeam(teams, teamID); t != nil {
		return t, nil
	}
	t, err := s.store.GetTeam(ctx, teamID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !t.IsActive) {
		teamSwitchesTotal.WithLabelValues("not_found").Inc()
		return nil, huma.NewError(http.StatusNotFound, "team not found")
	}
	if err != nil {
		return nil, storageStatus(err, "team not found")
	}
	teamSwitchesTotal.WithLabelValues("forbidden").Inc()
	return nil, huma.NewError(http.StatusForbidden, "not a member of this team")
}

// requireTeamAccess allows any active member of an active team, whatever the role.
func (s *Server) requireTeamAccess(ctx context.Context, teamID string) error {
	id := auth.IdentityFromContext(ctx)
	t, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return storageStatus(err, "team not found")
	}
	if !t.IsActive {
		return huma.NewError(http.StatusNotFound, "team not found")
	}
	teams, err := s.userTeams(ctx, id.UserID)
	if err != nil {
		return err
	}
	if findTeam(teams, teamID) == nil {
		return huma.NewError(http.StatusForbidden, "not a member of this team")
	}
	return nil
}

func findTeam(teams []storage.UserTeam, id string) *storage.UserTeam {
	for i := range teams {
		if teams[i].ID == id {
			return &teams[i]
		}
	}
	return nil
}

func contextResponse(teams []storage.UserTeam, currentID string) team.ContextResponse {
	resp := team.ContextResponse{Teams: toTeams(teams)}
	if t := findTeam(teams, currentID); t != nil {
		resp.CurrentTeamID = t.ID
		resp.CurrentTeamRole = team.Role(t.Role)
	}
	return resp
}

func toTeams(teams []storage.UserTeam) []team.Team {
	out := make([]team.Team, 0, len(teams))
	for _, t := range teams {
		out = append(out, team.Team{ID: t.ID, Name: t.Name, Slug: t.Slug, Role: team.Role(t.Role)})
	}
	return out
}

func toMember(m *storage.Membership) Member {
	return Member{
		ID:               m.ID,
		TeamID:           m.TeamID,
		UserID:           m.UserID,
		Email:            m.Email,
		DisplayName:      m.DisplayName,
		Role:             m.Role,
		InvitationStatus: m.InvitationStatus,
		CreatedAt:        m.CreatedAt.Unix(),
	}
}

package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a team or membership does not exist.
var ErrNotFound = errors.New("not found")

// Invitation statuses of a membership.
const (
	StatusActive   = "active"
	StatusPending  = "pending"
	StatusExpired  = "expired"
	StatusInactive = "inactive"
)

// Team represents a team record.
type Team struct {
	ID        string
	Name      string
	Slug      string
	IsActive  bool
	CreatedAt time.Time
}

// Membership links a user to a team with a role.
type Membership struct {
	ID               string
	TeamID           string
	UserID           string
	Email            string
	DisplayName      string
	Role             string // owner, admin, member, viewer
	InvitationStatus string // active, pending, expired, inactive
	CreatedAt        time.Time
}

// UserTeam is a membership joined with its team, as listed for a single user.
type UserTeam struct {
	Team
	Role string
}

// AuthSession is a persisted identity-provider session, keyed by a
// caller-chosen storage key.
type AuthSession struct {
	Key          string
	AccessToken  string //nolint:gosec // field name, not a credential
	RefreshToken string //nolint:gosec // field name, not a credential
	IDToken      string
	TokenType    string
	ExpiresAt    time.Time
	UserID       string
	Email        string
	Role         string
	UpdatedAt    time.Time
}

// Store is the storage interface for the team backend.
type Store interface {
	// Lifecycle
	Close() error

	// Teams
	CreateTeam(ctx context.Context, t *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	CountActiveTeams(ctx context.Context) (int, error)

	// Memberships
	AddMember(ctx context.Context, m *Membership) error
	GetMember(ctx context.Context, teamID, userID string) (*Membership, error)
	// ListMembers returns members of a team; an empty status returns every status.
	ListMembers(ctx context.Context, teamID, status string) ([]Membership, error)
	// ListUserTeams returns the active teams the user is an active member of, ordered by team name.
	ListUserTeams(ctx context.Context, userID string) ([]UserTeam, error)

	// Current-team preference
	SetCurrentTeam(ctx context.Context, userID, teamID string) error
	GetCurrentTeam(ctx context.Context, userID string) (string, error)
}

// SessionStore persists identity-provider sessions for clients.
type SessionStore interface {
	SaveAuthSession(ctx context.Context, s *AuthSession) error
	GetAuthSession(ctx context.Context, key string) (*AuthSession, error)
	DeleteAuthSession(ctx context.Context, key string) error
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store and SessionStore using SQLite in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store        = (*SQLiteStore)(nil)
	_ SessionStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite database at path with WAL mode enabled.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection avoids "database is locked" errors with this driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS teams (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    slug TEXT NOT NULL UNIQUE,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS team_members (
    id TEXT PRIMARY KEY,
    team_id TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL,
    invitation_status TEXT NOT NULL DEFAULT 'active',
    created_at INTEGER NOT NULL,
    UNIQUE (team_id, user_id)
);

CREATE TABLE IF NOT EXISTS user_current_team (
    user_id TEXT PRIMARY KEY,
    team_id TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
    session_key TEXT PRIMARY KEY,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL DEFAULT '',
    id_token TEXT NOT NULL DEFAULT '',
    token_type TEXT NOT NULL DEFAULT '',
    expires_at INTEGER NOT NULL DEFAULT 0,
    user_id TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_team_members_user ON team_members(user_id, invitation_status);
`

// --- Teams ---

// CreateTeam inserts a team. A missing ID is filled with a random UUID.
func (s *SQLiteStore) CreateTeam(ctx context.Context, t *Team) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (id, name, slug, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Slug, boolToInt(t.IsActive), t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create team %s: %w", t.Slug, err)
	}
	return nil
}

func (s *SQLiteStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, slug, is_active, created_at FROM teams WHERE id=?`, id)

	t := &Team{}
	var active int
	var createdAt int64
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.IsActive = active != 0
	t.CreatedAt = time.Unix(createdAt, 0)
	return t, nil
}

func (s *SQLiteStore) CountActiveTeams(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM teams WHERE is_active=1`).Scan(&n)
	return n, err
}

// --- Memberships ---

// AddMember inserts a membership, or updates role/status/profile if the user is
// already a member of the team. A missing ID is filled with a random UUID.
func (s *SQLiteStore) AddMember(ctx context.Context, m *Membership) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.InvitationStatus == "" {
		m.InvitationStatus = StatusActive
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_members (id, team_id, user_id, email, display_name, role, invitation_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (team_id, user_id) DO UPDATE SET
			email=excluded.email,
			display_name=excluded.display_name,
			role=excluded.role,
			invitation_status=excluded.invitation_status`,
		m.ID, m.TeamID, m.UserID, m.Email, m.DisplayName, m.Role, m.InvitationStatus, m.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("add member %s to team %s: %w", m.UserID, m.TeamID, err)
	}
	return nil
}

func (s *SQLiteStore) GetMember(ctx context.Context, teamID, userID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, user_id, email, display_name, role, invitation_status, created_at
		FROM team_members WHERE team_id=? AND user_id=?`, teamID, userID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) ListMembers(ctx context.Context, teamID, status string) ([]Membership, error) {
	query := `SELECT id, team_id, user_id, email, display_name, role, invitation_status, created_at
		FROM team_members WHERE team_id=?`
	args := []any{teamID}
	if status != "" {
		query += ` AND invitation_status=?`
		args = append(args, status)
	}
	query += ` ORDER BY ` + roleOrder + `, created_at, user_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func (s *SQLiteStore) ListUserTeams(ctx context.Context, userID string) ([]UserTeam, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.slug, t.is_active, t.created_at, m.role
		FROM team_members m JOIN teams t ON t.id = m.team_id
		WHERE m.user_id=? AND m.invitation_status='active' AND t.is_active=1
		ORDER BY t.name, t.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []UserTeam
	for rows.Next() {
		var ut UserTeam
		var active int
		var createdAt int64
		if err := rows.Scan(&ut.ID, &ut.Name, &ut.Slug, &active, &createdAt, &ut.Role); err != nil {
			return nil, err
		}
		ut.IsActive = active != 0
		ut.CreatedAt = time.Unix(createdAt, 0)
		teams = append(teams, ut)
	}
	return teams, rows.Err()
}

// roleOrder sorts owners first, viewers last.
const roleOrder = `CASE role WHEN 'owner' THEN 0 WHEN 'admin' THEN 1 WHEN 'member' THEN 2 ELSE 3 END`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*Membership, error) {
	m := &Membership{}
	var createdAt int64
	if err := row.Scan(&m.ID, &m.TeamID, &m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.InvitationStatus, &createdAt); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	return m, nil
}

// --- Current team ---

func (s *SQLiteStore) SetCurrentTeam(ctx context.Context, userID, teamID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_current_team (user_id, team_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET team_id=excluded.team_id, updated_at=excluded.updated_at`,
		userID, teamID, time.Now().Unix())
	return err
}

// GetCurrentTeam returns the user's last selected team, or "" if none was stored.
func (s *SQLiteStore) GetCurrentTeam(ctx context.Context, userID string) (string, error) {
	var teamID string
	err := s.db.QueryRowContext(ctx, `SELECT team_id FROM user_current_team WHERE user_id=?`, userID).Scan(&teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return teamID, err
}

// --- Auth sessions ---

func (s *SQLiteStore) SaveAuthSession(ctx context.Context, a *AuthSession) error {
	if strings.TrimSpace(a.Key) == "" {
		return errors.New("auth session key is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (session_key, access_token, refresh_token, id_token, token_type, expires_at, user_id, email, role, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			id_token=excluded.id_token,
			token_type=excluded.token_type,
			expires_at=excluded.expires_at,
			user_id=excluded.user_id,
			email=excluded.email,
			role=excluded.role,
			updated_at=excluded.updated_at`,
		a.Key, a.AccessToken, a.RefreshToken, a.IDToken, a.TokenType, unixOrZero(a.ExpiresAt),
		a.UserID, a.Email, a.Role, time.Now().Unix())
	return err
}

// GetAuthSession returns the persisted session for key, or nil if none exists.
func (s *SQLiteStore) GetAuthSession(ctx context.Context, key string) (*AuthSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, access_token, refresh_token, id_token, token_type, expires_at, user_id, email, role, updated_at
		FROM auth_sessions WHERE session_key=?`, key)

	a := &AuthSession{}
	var expiresAt, updatedAt int64
	err := row.Scan(&a.Key, &a.AccessToken, &a.RefreshToken, &a.IDToken, &a.TokenType, &expiresAt,
		&a.UserID, &a.Email, &a.Role, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiresAt != 0 {
		a.ExpiresAt = time.Unix(expiresAt, 0)
	}
	a.UpdatedAt = time.Unix(updatedAt, 0)
	return a, nil
}

func (s *SQLiteStore) DeleteAuthSession(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE session_key=?`, key)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// --- Backup ---

// Backup writes a consistent copy of the database to destPath using VACUUM INTO.
// destPath must not exist.
func (s *SQLiteStore) Backup(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backup to %s: %w", destPath, err)
	}
	return nil
}

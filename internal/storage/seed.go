package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hatemosphere/teamctx/internal/team"
)

// Seed describes teams and memberships loaded at startup.
type Seed struct {
	Teams []SeedTeam `yaml:"teams"`
}

// SeedTeam is a team entry in a seed file.
type SeedTeam struct {
	ID       string       `yaml:"id"` // optional, generated when empty
	Name     string       `yaml:"name"`
	Slug     string       `yaml:"slug"`
	Inactive bool         `yaml:"inactive"`
	Members  []SeedMember `yaml:"members"`
}

// SeedMember is a membership entry in a seed file.
type SeedMember struct {
	UserID      string `yaml:"userId"`
	Email       string `yaml:"email"`
	DisplayName string `yaml:"displayName"`
	Role        string `yaml:"role"`
	Status      string `yaml:"status"` // default: active
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, t := range seed.Teams {
		if t.Name == "" || t.Slug == "" {
			return nil, fmt.Errorf("seed team %d: name and slug are required", i)
		}
		for j, m := range t.Members {
			if m.UserID == "" || m.Role == "" {
				return nil, fmt.Errorf("seed team %s member %d: userId and role are required", t.Slug, j)
			}
			if _, err := team.ParseRole(m.Role); err != nil {
				return nil, fmt.Errorf("seed team %s member %s: %w", t.Slug, m.UserID, err)
			}
		}
	}
	return &seed, nil
}

// Apply inserts every team and membership of the seed. Teams whose ID already
// exists are left untouched; memberships are upserted.
func (seed *Seed) Apply(ctx context.Context, store Store) error {
	for _, st := range seed.Teams {
		t := &Team{ID: st.ID, Name: st.Name, Slug: st.Slug, IsActive: !st.Inactive}
		if st.ID != "" {
			if _, err := store.GetTeam(ctx, st.ID); err == nil {
				slog.Debug("seed team already exists", "team_id", st.ID)
				t = nil
			}
		}
		if t != nil {
			if err := store.CreateTeam(ctx, t); err != nil {
				return err
			}
		} else {
			t = &Team{ID: st.ID}
		}

		for _, sm := range st.Members {
			if err := store.AddMember(ctx, &Membership{
				TeamID:           t.ID,
				UserID:           sm.UserID,
				Email:            sm.Email,
				DisplayName:      sm.DisplayName,
				Role:             sm.Role,
				InvitationStatus: sm.Status,
			}); err != nil {
				return err
			}
		}
		slog.Info("seeded team", "team_id", t.ID, "slug", st.Slug, "members", len(st.Members))
	}
	return nil
}

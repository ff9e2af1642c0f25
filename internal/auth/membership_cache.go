package auth

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/hatemosphere/teamctx/internal/storage"
)

// MembershipResolver lists the active teams a user belongs to.
// storage.SQLiteStore implements this interface.
type MembershipResolver interface {
	ListUserTeams(ctx context.Context, userID string) ([]storage.UserTeam, error)
}

type cachedTeams struct {
	teams     []storage.UserTeam
	fetchedAt time.Time
}

// MembershipCache wraps a MembershipResolver with a bounded LRU cache whose
// entries expire after ttl. Concurrent misses for the same user are
// deduplicated via singleflight. Returned slices are shared; don't mutate them.
type MembershipCache struct {
	resolver MembershipResolver
	ttl      time.Duration

	cache *lru.Cache[string, cachedTeams]
	sf    singleflight.Group
}

// NewMembershipCache creates a cache holding up to size users.
func NewMembershipCache(resolver MembershipResolver, size int, ttl time.Duration) (*MembershipCache, error) {
	cache, err := lru.New[string, cachedTeams](size)
	if err != nil {
		return nil, fmt.Errorf("create membership cache: %w", err)
	}
	return &MembershipCache{
		resolver: resolver,
		ttl:      ttl,
		cache:    cache,
	}, nil
}

// UserTeams returns the cached teams for the user, or fetches fresh from the
// resolver if the entry is missing or expired.
func (c *MembershipCache) UserTeams(ctx context.Context, userID string) ([]storage.UserTeam, error) {
	if entry, ok := c.cache.Get(userID); ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.teams, nil
	}

	result, err, _ := c.sf.Do(userID, func() (any, error) {
		// Another goroutine may have populated the entry while we waited.
		if entry, ok := c.cache.Get(userID); ok && time.Since(entry.fetchedAt) < c.ttl {
			return entry.teams, nil
		}

		teams, err := c.resolver.ListUserTeams(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.cache.Add(userID, cachedTeams{teams: teams, fetchedAt: time.Now()})
		return teams, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]storage.UserTeam), nil
}

// Invalidate drops the cached entry for the user.
func (c *MembershipCache) Invalidate(userID string) {
	c.cache.Remove(userID)
}

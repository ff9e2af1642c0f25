package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "teamctx:session:"

// RedisSessionStore implements SessionStore on Redis, one JSON value per key.
// Sessions are kept without a TTL: a refresh token outlives its access token.
type RedisSessionStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore wraps rdb. An empty prefix uses "teamctx:session:".
func NewRedisSessionStore(rdb redis.UniversalClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisSessionStore{rdb: rdb, prefix: prefix}
}

type redisSession struct {
	AccessToken  string `json:"access_token"`            //nolint:gosec // field name, not a credential
	RefreshToken string `json:"refresh_token,omitempty"` //nolint:gosec // field name, not a credential
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	UserID       string `json:"user_id"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

func (s *RedisSessionStore) SaveAuthSession(ctx context.Context, a *AuthSession) error {
	if strings.TrimSpace(a.Key) == "" {
		return errors.New("auth session key is required")
	}
	data, err := json.Marshal(redisSession{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		IDToken:      a.IDToken,
		TokenType:    a.TokenType,
		ExpiresAt:    unixOrZero(a.ExpiresAt),
		UserID:       a.UserID,
		Email:        a.Email,
		Role:         a.Role,
		UpdatedAt:    time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode auth session: %w", err)
	}
	return s.rdb.Set(ctx, s.prefix+a.Key, data, 0).Err()
}

// GetAuthSession returns the persisted session for key, or nil if none exists.
func (s *RedisSessionStore) GetAuthSession(ctx context.Context, key string) (*AuthSession, error) {
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rs redisSession
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode auth session %s: %w", key, err)
	}
	a := &AuthSession{
		Key:          key,
		AccessToken:  rs.AccessToken,
		RefreshToken: rs.RefreshToken,
		IDToken:      rs.IDToken,
		TokenType:    rs.TokenType,
		UserID:       rs.UserID,
		Email:        rs.Email,
		Role:         rs.Role,
		UpdatedAt:    time.Unix(rs.UpdatedAt, 0),
	}
	if rs.ExpiresAt != 0 {
		a.ExpiresAt = time.Unix(rs.ExpiresAt, 0)
	}
	return a, nil
}

func (s *RedisSessionStore) DeleteAuthSession(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

// Package session resolves opaque session tokens to user identities.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrNoSession is returned when a token is unknown or expired.
var ErrNoSession = errors.New("session not found or expired")

// Identity is the authenticated user a connection is bound to for its
// whole lifetime.
type Identity struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

// Resolver maps session tokens to identities. Implemented by the redis
// store below; fakes plug in for tests.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

const keyTokenFmt = "session:token:%s"

func tokenKey(token string) string { return fmt.Sprintf(keyTokenFmt, token) }

// NewRedisStore wraps an existing redis client. Cmdable so both
// single-node and cluster clients fit.
func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// RedisStore is the redis-backed session store. The auth surface writes
// sessions in; the collab service only resolves them.
type RedisStore struct {
	rdb redis.Cmdable
}

func (s *RedisStore) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoSession
	}
	raw, err := s.rdb.Get(ctx, tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Identity{}, ErrNoSession
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup session: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if id.UserID == 0 {
		// A session row with no user behind it is as good as expired.
		return Identity{}, ErrNoSession
	}
	return id, nil
}

// Save stores a session token with a TTL. Expiry is enforced by redis.
func (s *RedisStore) Save(ctx context.Context, token string, id Identity, ttl time.Duration) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.rdb.Set(ctx, tokenKey(token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Revoke deletes a session token. Revoking an unknown token is not an
// error.
func (s *RedisStore) Revoke(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Package session keeps server-side sessions in Redis.
//
// Layout: <prefix><id> holds the JSON session with the cookie TTL, and
// <prefix>identity:<identityID> is a set of that identity's session ids used
// by DestroyAll.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/ids"
)

const DefaultPrefix = "sess:"

// ErrRedisUnavailable wraps transport failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

var _ auth.SessionStore = (*Store)(nil)

type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore returns a Store namespaced by prefix; empty selects DefaultPrefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(id string) string { return s.prefix + id }

func (s *Store) identityKey(identityID string) string { return s.prefix + "identity:" + identityID }

func (s *Store) Create(ctx context.Context, sess *auth.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	id, err := ids.Token(32)
	if err != nil {
		return err
	}
	sess.ID = id
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	idxKey := s.identityKey(sess.IdentityID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(id), data, ttl)
		pipe.SAdd(ctx, idxKey, id)
		pipe.Expire(ctx, idxKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (auth.Session, error) {
	raw, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return auth.Session{}, auth.ErrNotFound
		}
		return auth.Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	var sess auth.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return auth.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

// UpdateTokens rewrites the payload with KEEPTTL and XX, so the cookie
// lifetime is unchanged and a destroyed session is never resurrected.
func (s *Store) UpdateTokens(ctx context.Context, id string, roles auth.RoleSet, accessToken, refreshToken string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Roles = roles
	sess.AccessToken = accessToken
	sess.RefreshToken = refreshToken
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = s.redis.SetArgs(ctx, s.key(id), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return auth.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *Store) Destroy(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return nil
	case errors.Is(err, ErrRedisUnavailable):
		return err
	}
	// an undecodable payload leaves sess zero and is still deleted
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		if sess.IdentityID != "" {
			pipe.SRem(ctx, s.identityKey(sess.IdentityID), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *Store) DestroyAll(ctx context.Context, identityID string) error {
	idxKey := s.identityKey(identityID)
	sessionIDs, err := s.redis.SMembers(ctx, idxKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	keys := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		keys = append(keys, s.key(id))
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, idxKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Count reports the live sessions indexed under identityID.
func (s *Store) Count(ctx context.Context, identityID string) (int, error) {
	sessionIDs, err := s.redis.SMembers(ctx, s.identityKey(identityID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		keys = append(keys, s.key(id))
	}
	n, err := s.redis.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

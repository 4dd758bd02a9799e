package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound indicates the session id is unknown or already expired.
var ErrSessionNotFound = errors.New("session: not found")

const (
	sessionKeyPrefix = "sess:"
	tenantSetPrefix  = "sesst:"
)

// RedisStore implements SessionStore on Redis. Liveness relies on key TTL:
// a session key expires once no touch arrives within the inactivity window,
// so expiry is lazy and needs no background sweeper.
type RedisStore struct {
	client *redis.Client
	window time.Duration
}

var _ SessionStore = (*RedisStore)(nil)

// NewRedisStore constructs a RedisStore with the given inactivity window.
func NewRedisStore(client *redis.Client, window time.Duration) *RedisStore {
	if window <= 0 {
		window = 2 * time.Hour
	}
	return &RedisStore{client: client, window: window}
}

func sessionKey(id string) string       { return sessionKeyPrefix + id }
func tenantSetKey(tenant string) string { return tenantSetPrefix + tenant }

func (s *RedisStore) Put(ctx context.Context, sess *ActiveSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.SessionID), data, s.window)
	pipe.SAdd(ctx, tenantSetKey(sess.TenantSlug), sess.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: store: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*ActiveSession, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	var sess ActiveSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return &sess, nil
}

// Touch bumps last_activity and resets the TTL. Touching an expired or
// unknown session fails with ErrSessionNotFound; the caller must log in
// again, there is no resurrection path.
func (s *RedisStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.LastActivity = at.UTC()
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, sessionKey(sessionID), data, s.window).Err(); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.SRem(ctx, tenantSetKey(sess.TenantSlug), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// CountByTenant counts sessions whose keys are still live. Stale members of
// the tenant set (expired keys) are pruned as they are discovered, so the
// count is only as fresh as the sessions' own TTLs.
func (s *RedisStore) CountByTenant(ctx context.Context, tenantSlug string) (int, error) {
	members, err := s.client.SMembers(ctx, tenantSetKey(tenantSlug)).Result()
	if err != nil {
		return 0, fmt.Errorf("session: count: %w", err)
	}
	count := 0
	for _, id := range members {
		exists, err := s.client.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			return 0, fmt.Errorf("session: count: %w", err)
		}
		if exists == 0 {
			_ = s.client.SRem(ctx, tenantSetKey(tenantSlug), id).Err()
			continue
		}
		count++
	}
	return count, nil
}

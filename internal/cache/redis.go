// Package cache implements auth.SessionCache on Redis. Permission snapshots
// are advisory JSON values with a TTL; the revocation list is a set of keys
// kept alive as long as the underlying token could still be presented.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"gatekit.org/internal/auth"
)

const (
	defaultPrefix    = "gk:"
	defaultOpTimeout = 2 * time.Second
)

var _ auth.SessionCache = (*Redis)(nil)

// Redis is a SessionCache backed by a go-redis client.
type Redis struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

// Option configures the cache.
type Option func(*Redis)

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) Option {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithOpTimeout bounds each cache call. Revocation callers fail closed on a
// timeout; grant lookups fall through to the store.
func WithOpTimeout(d time.Duration) Option {
	return func(r *Redis) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	r := &Redis{client: client, prefix: defaultPrefix, opTimeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect dials Redis and verifies the connection with a ping.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (r *Redis) grantsKey(userID string) string  { return r.prefix + "grants:" + userID }
func (r *Redis) membersKey(roleID string) string { return r.prefix + "rolemembers:" + roleID }
func (r *Redis) revokedKey(tokenID string) string {
	return r.prefix + "revoked:" + tokenID
}

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

// GetGrants returns the cached snapshot or nil on miss.
func (r *Redis) GetGrants(ctx context.Context, userID string) (*auth.Grants, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, r.grantsKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var grants auth.Grants
	if err := json.Unmarshal(data, &grants); err != nil {
		// A corrupt entry is a miss, not an error worth surfacing.
		return nil, nil
	}
	return &grants, nil
}

// SetGrants stores the snapshot and indexes the user under each of its
// roles so InvalidateRole can find every holder.
func (r *Redis) SetGrants(ctx context.Context, userID string, grants *auth.Grants, ttl time.Duration) error {
	data, err := json.Marshal(grants)
	if err != nil {
		return err
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.grantsKey(userID), data, ttl)
	for _, roleID := range grants.RoleIDs {
		key := r.membersKey(roleID)
		pipe.SAdd(ctx, key, userID)
		// Member sets outlive grant entries so a flipped role still finds
		// holders whose snapshots expired moments ago.
		pipe.Expire(ctx, key, 2*ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Invalidate drops cached snapshots for the given users.
func (r *Redis) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, r.grantsKey(id))
	}
	return r.client.Del(ctx, keys...).Err()
}

// InvalidateRole drops the snapshot of every indexed member of the role.
func (r *Redis) InvalidateRole(ctx context.Context, roleID string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	members, err := r.client.SMembers(ctx, r.membersKey(roleID)).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(members)+1)
	for _, userID := range members {
		keys = append(keys, r.grantsKey(userID))
	}
	keys = append(keys, r.membersKey(roleID))
	return r.client.Del(ctx, keys...).Err()
}

// IsRevoked reports whether the token id is on the revocation list. Errors
// must be treated as "revoked" by callers.
func (r *Redis) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	n, err := r.client.Exists(ctx, r.revokedKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkRevoked adds the token id to the revocation list.
func (r *Redis) MarkRevoked(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	return r.client.Set(ctx, r.revokedKey(tokenID), "1", ttl).Err()
}

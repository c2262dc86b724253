// Package lock provides the per-notification processing lock.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lease never frees a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisClient interface {
	redis.Cmdable
	redis.Scripter
}

// RedisLocker hands out SET NX PX leases.
type RedisLocker struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(client redisClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "lock:notification"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// Lease is a held lock. Release it when processing ends; otherwise it
// expires after the locker's TTL.
type Lease struct {
	key    string
	token  string
	client redisClient
}

func (l *RedisLocker) key(id string) string {
	return fmt.Sprintf("%s:%s", l.prefix, id)
}

// Acquire tries once. ok is false when another holder has the lock.
func (l *RedisLocker) Acquire(ctx context.Context, id string) (*Lease, bool, error) {
	key := l.key(id)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{key: key, token: token, client: l.client}, true, nil
}

// Release frees the lock if this lease still owns it.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", le.key, err)
	}
	return nil
}

package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries the caller's owner token.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
	return 0
end
if v == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return -1
`)

// renewScript extends the key's TTL only while it still carries the caller's owner token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker on a shared Redis, for cache directories mounted by
// several hosts.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "pip-ai:lease:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (r *RedisLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease acquire %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	cur, err := r.client.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis lease read %s: %w", key, err)
	}
	return cur == owner, nil
}

func (r *RedisLocker) Release(ctx context.Context, key, owner string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, owner).Int()
	if err != nil {
		return fmt.Errorf("redis lease release %s: %w", key, err)
	}
	if res < 0 {
		return ErrNotOwner
	}
	return nil
}

func (r *RedisLocker) ForceExpire(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis lease break %s: %w", key, err)
	}
	return nil
}

func (r *RedisLocker) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, r.client, []string{r.prefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis lease renew %s: %w", key, err)
	}
	if res == 0 {
		return ErrNotOwner
	}
	return nil
}

func (r *RedisLocker) Expiry(ctx context.Context, key string) (time.Time, error) {
	ttl, err := r.client.PTTL(ctx, r.prefix+key).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis lease ttl %s: %w", key, err)
	}
	// Missing keys report a negative TTL.
	if ttl <= 0 {
		return time.Time{}, nil
	}
	return time.Now().Add(ttl), nil
}

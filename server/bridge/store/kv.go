package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the slice of the shared expiring-key store the bridge needs. All
// cross-process state (claims, auth blobs, status artifacts, rate windows)
// goes through it; tests substitute an in-memory implementation.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// CompareExpire extends the TTL only when the key still holds expect.
	CompareExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error)
	// CompareDel deletes only when the key still holds expect.
	CompareDel(ctx context.Context, key, expect string) (bool, error)
	DelPrefix(ctx context.Context, prefix string) error
}

// Ownership-checked mutations run server-side: a plain GET-then-mutate
// races with key expiry and re-acquisition by another instance.
var (
	compareExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	compareDelScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type redisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) KV {
	return &redisKV{client: client}
}

func (r *redisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *redisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisKV) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *redisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *redisKV) CompareExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	n, err := compareExpireScript.Run(ctx, r.client, []string{key}, expect, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisKV) CompareDel(ctx context.Context, key, expect string) (bool, error) {
	n, err := compareDelScript.Run(ctx, r.client, []string{key}, expect).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisKV) DelPrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return r.Del(ctx, keys...)
}

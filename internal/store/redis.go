package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisNamespace = "geofenced:kv:"

// Redis stores keys under a fixed namespace. Durability depends on the
// server's persistence settings.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(ctx context.Context, url string) (*Redis, error) {
	if url == "" {
		return nil, errors.New("redis store: REDIS_URL required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb}, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, redisNamespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, redisNamespace+key, value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, redisNamespace+key).Err()
}

func (r *Redis) ListKeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	out := []string{}
	seen := map[string]bool{}
	iter := r.rdb.Scan(ctx, 0, redisNamespace+globEscape(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		// SCAN may return a key more than once.
		k := strings.TrimPrefix(iter.Val(), redisNamespace)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func globEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript counts a hit and starts the window on the first one.
// KEYS[1] = window key
// ARGV[1] = window length in milliseconds
// Returns {count, remaining ttl in ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore shares windows across replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:", now: time.Now}
}

// NewRedisStoreFromAddr dials a single Redis server.
func NewRedisStoreFromAddr(addr, password string, db int) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func (s *RedisStore) Hit(ctx context.Context, key string, p Policy) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, p.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("redis limiter: unexpected script result %v", res)
	}
	count, _ := vals[0].(int64)
	ttl, _ := vals[1].(int64)

	remaining := p.Max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= p.Max,
		Limit:     p.Max,
		Remaining: remaining,
		ResetAt:   s.now().Add(time.Duration(ttl) * time.Millisecond),
	}, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

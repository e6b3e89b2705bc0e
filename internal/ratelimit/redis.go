package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes old hits, checks the count and records the new hit in
// one atomic step so concurrent instances cannot overshoot the limit.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now_ms, ARGV[4])
redis.call('PEXPIRE', key, window_ms)
return 1
`)

type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: "ratelimit:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	member := fmt.Sprintf("%d", now.UnixNano())
	res, err := slidingWindow.Run(ctx, l.client,
		[]string{l.prefix + key},
		now.UnixMilli(), l.window.Milliseconds(), l.limit, member,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

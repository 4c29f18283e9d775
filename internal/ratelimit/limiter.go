// Package ratelimit counts requests per key in a fixed window held in Redis,
// so every API instance shares the same counters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyFormat = "ratelimit:%s"

type Result struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

type RedisLimiter struct {
	rdb    redis.Cmdable
	max    int
	window time.Duration
}

func NewRedisLimiter(rdb redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, max: limit, window: window}
}

// incrScript increments the counter and starts the window on the first hit.
// A counter never exists without a TTL.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Allow counts one request for identifier. On a Redis failure it returns an
// allowing Result together with the error.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string) (Result, error) {
	key := fmt.Sprintf(keyFormat, identifier)

	res, err := incrScript.Run(ctx, l.rdb, []string{key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{Allowed: true}, fmt.Errorf("rate limit %s: %w", identifier, err)
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	return Result{
		Allowed:   count <= l.max,
		Remaining: max(0, l.max-count),
		ResetIn:   max(0, ttl),
	}, nil
}

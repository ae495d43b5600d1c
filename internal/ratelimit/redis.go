package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] sorted set of request times; ARGV: now ms, window ms, limit, member.
// Rejected requests are not recorded.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

local count = redis.call('ZCARD', KEYS[1])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local reset = now + window
if oldest[2] then
    reset = tonumber(oldest[2]) + window
end

if count >= tonumber(ARGV[3]) then
    return {0, count, reset}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, count + 1, reset}
`)

// RedisLimiter keeps a sliding one-minute window per user, shared by every
// gateway instance.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	now    func() time.Time
	seq    func() string
}

func NewRedisLimiter(client *redis.Client, rpm int) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  rpm,
		now:    time.Now,
		seq: func() string {
			return strconv.FormatInt(time.Now().UnixNano(), 36)
		},
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, user string) (Decision, error) {
	now := l.now()
	res, err := slidingWindowScript.Run(ctx, l.client, []string{"ratelimit:" + user},
		now.UnixMilli(), Window.Milliseconds(), l.limit, l.seq()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit: unexpected reply %v", res)
	}

	d := Decision{
		Allowed: res[0] == 1,
		Limit:   l.limit,
		ResetAt: time.UnixMilli(res[2]),
	}
	if d.Allowed {
		d.Remaining = l.limit - int(res[1])
	}
	return d, nil
}

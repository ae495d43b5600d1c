package circuitbreaker

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

// Each model's breaker is one hash: state, failures, successes and
// last_failure (Redis server time in milliseconds).

// KEYS[1] breaker hash; ARGV[1] timeout ms
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state ~= 'open' then
    return state
end

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local last = tonumber(redis.call('HGET', KEYS[1], 'last_failure') or '0')
if now - last >= tonumber(ARGV[1]) then
    redis.call('HSET', KEYS[1], 'state', 'half-open', 'successes', 0)
    return 'half-open'
end
return 'open'
`)

// KEYS[1] breaker hash; ARGV[1] success threshold
var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', 0)
elseif state == 'half-open' then
    local successes = redis.call('HINCRBY', KEYS[1], 'successes', 1)
    if successes >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'successes', 0)
        return 'closed'
    end
end
return state
`)

// KEYS[1] breaker hash; ARGV[1] failure threshold
var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call('HSET', KEYS[1], 'last_failure', now)

if state == 'closed' then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    if failures >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'open')
        return 'open'
    end
elseif state == 'half-open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'successes', 0)
    return 'open'
end
return state
`)

// RedisBreaker keeps a model's breaker in Redis so that every gateway
// instance sees the same state. Redis errors let requests through.
type RedisBreaker struct {
	client *redis.Client
	key    string
	config Config
}

func NewRedis(client *redis.Client, model string, cfg Config) *RedisBreaker {
	return &RedisBreaker{
		client: client,
		key:    "breaker:" + model,
		config: cfg,
	}
}

func (b *RedisBreaker) Allow(ctx context.Context) error {
	state, err := allowScript.Run(ctx, b.client, []string{b.key}, b.config.Timeout.Milliseconds()).Text()
	if err != nil {
		slog.Warn("circuit breaker unavailable", "key", b.key, "error", err)
		return nil
	}
	if state == "open" {
		return domain.ErrCircuitOpen
	}
	return nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context) {
	if err := successScript.Run(ctx, b.client, []string{b.key}, b.config.SuccessThreshold).Err(); err != nil {
		slog.Warn("circuit breaker unavailable", "key", b.key, "error", err)
	}
}

func (b *RedisBreaker) RecordFailure(ctx context.Context) {
	state, err := failureScript.Run(ctx, b.client, []string{b.key}, b.config.FailureThreshold).Text()
	if err != nil {
		slog.Warn("circuit breaker unavailable", "key", b.key, "error", err)
		return
	}
	if state == "open" {
		slog.Warn("circuit opened", "key", b.key)
	}
}

func (b *RedisBreaker) State(ctx context.Context) State {
	state, err := b.client.HGet(ctx, b.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(state)
}

// Reset closes the circuit.
func (b *RedisBreaker) Reset(ctx context.Context) error {
	return b.client.Del(ctx, b.key).Err()
}

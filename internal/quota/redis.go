package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

// RedisStore keeps each user's state in the hash quota:{user} with the
// fields tokenCount and lastReset (unix milliseconds).
type RedisStore struct {
	client *redis.Client
}

// getScript creates the state when absent.
// Keys: [hash] Args: [now] Returns: [tokenCount, lastReset]
var getScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("HSET", KEYS[1], "tokenCount", 0, "lastReset", ARGV[1])
end
return redis.call("HMGET", KEYS[1], "tokenCount", "lastReset")
`)

// resetScript starts a new window only if lastReset still equals seen.
// Keys: [hash] Args: [seen, now] Returns: [tokenCount, lastReset]
var resetScript = redis.NewScript(`
local last = redis.call("HGET", KEYS[1], "lastReset")
if not last or last == ARGV[1] then
	redis.call("HSET", KEYS[1], "tokenCount", 0, "lastReset", ARGV[2])
end
return redis.call("HMGET", KEYS[1], "tokenCount", "lastReset")
`)

// addScript increments the counter.
// Keys: [hash] Args: [tokens, now] Returns: [tokenCount, lastReset]
var addScript = redis.NewScript(`
redis.call("HSETNX", KEYS[1], "lastReset", ARGV[2])
redis.call("HINCRBY", KEYS[1], "tokenCount", ARGV[1])
return redis.call("HMGET", KEYS[1], "tokenCount", "lastReset")
`)

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the connection so alert deduplication can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(user string) string {
	return "quota:" + user
}

func (s *RedisStore) Get(ctx context.Context, user string, now time.Time) (domain.QuotaState, error) {
	res, err := getScript.Run(ctx, s.client, []string{s.key(user)}, now.UnixMilli()).Result()
	if err != nil {
		return domain.QuotaState{}, err
	}
	return parseState(res)
}

func (s *RedisStore) Reset(ctx context.Context, user string, seen, now time.Time) (domain.QuotaState, error) {
	res, err := resetScript.Run(ctx, s.client, []string{s.key(user)},
		strconv.FormatInt(seen.UnixMilli(), 10), now.UnixMilli()).Result()
	if err != nil {
		return domain.QuotaState{}, err
	}
	return parseState(res)
}

func (s *RedisStore) Add(ctx context.Context, user string, tokens int, now time.Time) (domain.QuotaState, error) {
	res, err := addScript.Run(ctx, s.client, []string{s.key(user)}, tokens, now.UnixMilli()).Result()
	if err != nil {
		return domain.QuotaState{}, err
	}
	return parseState(res)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseState(res interface{}) (domain.QuotaState, error) {
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 2 {
		return domain.QuotaState{}, fmt.Errorf("unexpected quota reply %v", res)
	}

	count, err := redisInt(fields[0])
	if err != nil {
		return domain.QuotaState{}, fmt.Errorf("parse tokenCount: %w", err)
	}
	last, err := redisInt(fields[1])
	if err != nil {
		return domain.QuotaState{}, fmt.Errorf("parse lastReset: %w", err)
	}

	return domain.QuotaState{
		TokenCount: int(count),
		LastReset:  time.UnixMilli(last).UTC(),
	}, nil
}

func redisInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseInt(t, 10, 64)
	case int64:
		return t, nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

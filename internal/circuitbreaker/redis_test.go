package circuitbreaker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

func redisClient(t *testing.T) *redis.Client {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis circuit breaker tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisBreaker_Lifecycle(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()

	b := NewRedis(client, "test-lifecycle", Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          100 * time.Millisecond,
	})
	b.Reset(ctx)
	t.Cleanup(func() { b.Reset(ctx) })

	if b.State(ctx) != StateClosed {
		t.Fatalf("State() = %v, want closed", b.State(ctx))
	}

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	if err := b.Allow(ctx); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("Allow() = %v, want ErrCircuitOpen", err)
	}

	time.Sleep(150 * time.Millisecond)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("Allow() after timeout = %v", err)
	}
	if b.State(ctx) != StateHalfOpen {
		t.Fatalf("State() = %v, want half-open", b.State(ctx))
	}

	b.RecordSuccess(ctx)
	if b.State(ctx) != StateClosed {
		t.Errorf("State() = %v, want closed", b.State(ctx))
	}
}

func TestRedisBreaker_SharedBetweenInstances(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour}

	a := NewRedis(client, "test-shared", cfg)
	a.Reset(ctx)
	t.Cleanup(func() { a.Reset(ctx) })
	b := NewRedis(client, "test-shared", cfg)

	a.RecordFailure(ctx)
	if err := b.Allow(ctx); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Errorf("second instance Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestSet_WithRedis(t *testing.T) {
	client := redisClient(t)
	s := NewSet(DefaultConfig(), WithRedis(client))

	if _, ok := s.Get("GPT4-8K").(*RedisBreaker); !ok {
		t.Errorf("Get() = %T, want *RedisBreaker", s.Get("GPT4-8K"))
	}
}

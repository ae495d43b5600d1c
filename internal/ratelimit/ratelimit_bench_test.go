package ratelimit

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkInMemoryLimiter_Allow(b *testing.B) {
	l := NewInMemoryLimiter(1 << 30)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Allow(ctx, "alice")
	}
}

func BenchmarkInMemoryLimiter_ManyUsers(b *testing.B) {
	l := NewInMemoryLimiter(1 << 30)
	ctx := context.Background()
	users := make([]string, 1000)
	for i := range users {
		users[i] = fmt.Sprintf("user-%d", i)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			l.Allow(ctx, users[i%len(users)])
			i++
		}
	})
}

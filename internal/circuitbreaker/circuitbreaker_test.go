package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*InMemoryBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewInMemory(cfg)
	b.now = clock.now
	return b, clock
}

func TestInMemory_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())
	ctx := context.Background()

	if b.State(ctx) != StateClosed {
		t.Errorf("State() = %v, want closed", b.State(ctx))
	}
	if err := b.Allow(ctx); err != nil {
		t.Errorf("Allow() = %v", err)
	}
}

func TestInMemory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		b.RecordFailure(ctx)
	}
	if b.State(ctx) != StateClosed {
		t.Fatalf("opened before threshold")
	}

	b.RecordFailure(ctx)
	if err := b.Allow(ctx); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("Allow() = %v, want ErrCircuitOpen", err)
	}

	clock.advance(time.Minute)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("Allow() after timeout = %v", err)
	}
	if b.State(ctx) != StateHalfOpen {
		t.Fatalf("State() = %v, want half-open", b.State(ctx))
	}

	b.RecordSuccess(ctx)
	if b.State(ctx) != StateHalfOpen {
		t.Fatalf("closed after one success")
	}
	b.RecordSuccess(ctx)
	if b.State(ctx) != StateClosed {
		t.Fatalf("State() = %v, want closed", b.State(ctx))
	}
}

func TestInMemory_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})

	b.RecordFailure(ctx)
	clock.advance(time.Second)
	b.Allow(ctx)
	b.RecordFailure(ctx)

	if b.State(ctx) != StateOpen {
		t.Errorf("State() = %v, want open", b.State(ctx))
	}
}

func TestInMemory_SuccessClearsFailures(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second})

	b.RecordFailure(ctx)
	b.RecordSuccess(ctx)
	b.RecordFailure(ctx)

	if b.State(ctx) != StateClosed {
		t.Errorf("non-consecutive failures opened the circuit")
	}
}

func TestIsFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", fmt.Errorf("read: %w", context.Canceled), false},
		{"server error", &domain.UpstreamError{Status: 502}, true},
		{"throttled", &domain.UpstreamError{Status: 429}, true},
		{"bad request", &domain.UpstreamError{Status: 400}, false},
		{"transport", errors.New("dial tcp: connection refused"), true},
		{"missing credential", &domain.MissingCredentialError{Name: "X"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFailure(tt.err); got != tt.want {
				t.Errorf("IsFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSet(t *testing.T) {
	ctx := context.Background()
	s := NewSet(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})

	Record(ctx, s.Get("GPT4-8K"), &domain.UpstreamError{Status: 500})
	Record(ctx, s.Get("Cohere-CommandXL-Beta"), nil)

	if s.Get("GPT4-8K") != s.Get("GPT4-8K") {
		t.Error("Get() returned a new breaker for the same model")
	}

	states := s.States(ctx)
	if states["GPT4-8K"] != "open" || states["Cohere-CommandXL-Beta"] != "closed" {
		t.Errorf("States() = %v", states)
	}
}

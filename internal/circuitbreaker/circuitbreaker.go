// Package circuitbreaker stops sending requests to a model whose upstream
// keeps failing.
//
// States:
//   - Closed: requests pass through
//   - Open: requests fail with domain.ErrCircuitOpen until Timeout elapses
//   - Half-Open: requests pass; SuccessThreshold successes close the circuit,
//     one failure opens it again
//
// InMemoryBreaker serves a single instance. RedisBreaker shares state between
// gateway instances.
package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

type Breaker interface {
	// Allow returns domain.ErrCircuitOpen while the circuit is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// IsFailure reports whether err says the upstream itself is unhealthy:
// transport failures, 429 and 5xx answers. Rejected requests and
// cancellations do not count.
func IsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var up *domain.UpstreamError
	if errors.As(err, &up) {
		return up.Status == http.StatusTooManyRequests || up.Status >= 500 || up.Status == 0
	}
	return !errors.Is(err, domain.ErrValidation) &&
		!errors.Is(err, domain.ErrConfiguration) &&
		!errors.Is(err, domain.ErrUnsupported)
}

// Record feeds the outcome of one upstream call to b.
func Record(ctx context.Context, b Breaker, err error) {
	if b == nil {
		return
	}
	if IsFailure(err) {
		b.RecordFailure(ctx)
		return
	}
	if err == nil {
		b.RecordSuccess(ctx)
	}
}

type InMemoryBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
}

func NewInMemory(cfg Config) *InMemoryBreaker {
	return &InMemoryBreaker{config: cfg, now: time.Now}
}

func (b *InMemoryBreaker) Allow(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) >= b.config.Timeout {
		b.state = StateHalfOpen
		b.successes = 0
		return nil
	}
	return domain.ErrCircuitOpen
}

func (b *InMemoryBreaker) RecordSuccess(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *InMemoryBreaker) RecordFailure(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
	}
}

func (b *InMemoryBreaker) State(context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Set hands out one breaker per model.
type Set struct {
	mu       sync.Mutex
	breakers map[string]Breaker
	config   Config
	factory  func(model string) Breaker
}

type SetOption func(*Set)

// WithRedis shares breaker state through client.
func WithRedis(client *redis.Client) SetOption {
	return func(s *Set) {
		s.factory = func(model string) Breaker {
			return NewRedis(client, model, s.config)
		}
	}
}

func NewSet(cfg Config, opts ...SetOption) *Set {
	s := &Set{
		breakers: make(map[string]Breaker),
		config:   cfg,
	}
	s.factory = func(string) Breaker { return NewInMemory(s.config) }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Set) Get(model string) Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[model]
	if !ok {
		b = s.factory(model)
		s.breakers[model] = b
	}
	return b
}

// States reports the state of every model that has been called.
func (s *Set) States(ctx context.Context) map[string]string {
	s.mu.Lock()
	breakers := make(map[string]Breaker, len(s.breakers))
	for k, v := range s.breakers {
		breakers[k] = v
	}
	s.mu.Unlock()

	states := make(map[string]string, len(breakers))
	for model, b := range breakers {
		states[model] = b.State(ctx).String()
	}
	return states
}

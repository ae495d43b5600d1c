// Package ratelimit caps how many requests a user sends per minute. It sits
// in front of the token quota, which only sees requests that reach a model.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const Window = time.Minute

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, user string) (Decision, error)
}

// InMemoryLimiter counts requests in fixed one-minute windows.
type InMemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryLimiter(rpm int) *InMemoryLimiter {
	return &InMemoryLimiter{
		limit:   rpm,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, user string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[user]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(Window)}
		l.windows[user] = w
		l.sweep(now)
	}

	d := Decision{Limit: l.limit, ResetAt: w.resetAt}
	if w.count >= l.limit {
		return d, nil
	}
	w.count++
	d.Allowed = true
	d.Remaining = l.limit - w.count
	return d, nil
}

// sweep drops expired windows; called with mu held.
func (l *InMemoryLimiter) sweep(now time.Time) {
	for user, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, user)
		}
	}
}

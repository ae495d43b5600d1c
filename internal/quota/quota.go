// Package quota tracks the tokens each user consumes per reset window.
//
// A window is reset lazily: nothing is scheduled, the reset happens when an
// access observes that the window has expired. Read-modify-write sequences
// for one user are serialized in-process by a keyed mutex, and stores apply
// increments and resets atomically so several gateway instances can share
// one store.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

// Disabled is the periodTokens value that turns quota enforcement off.
const Disabled = -1

// Store persists one QuotaState per user. Timestamps are stored with
// millisecond precision.
type Store interface {
	// Get returns the user's state, creating {0, now} when absent.
	Get(ctx context.Context, user string, now time.Time) (domain.QuotaState, error)
	// Reset zeroes the counter and starts a new window at now, but only if
	// the stored window still starts at seen. It returns the current state.
	Reset(ctx context.Context, user string, seen, now time.Time) (domain.QuotaState, error)
	// Add increments the counter atomically and returns the new state.
	Add(ctx context.Context, user string, tokens int, now time.Time) (domain.QuotaState, error)
	Close() error
}

type Engine struct {
	store        Store
	periodTokens int
	resetHours   int
	now          func() time.Time
	locks        *keyedMutex
	monitor      *Monitor
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMonitor(m *Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

func NewEngine(store Store, periodTokens, resetHours int, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		periodTokens: periodTokens,
		resetHours:   resetHours,
		now:          time.Now,
		locks:        newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Enabled() bool {
	return e.periodTokens >= 0
}

func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

func (e *Engine) window() time.Duration {
	return time.Duration(e.resetHours) * time.Hour
}

func (e *Engine) snapshot(s domain.QuotaState) domain.QuotaSnapshot {
	return domain.QuotaSnapshot{
		TokenCount:   s.TokenCount,
		PeriodTokens: e.periodTokens,
		ResetHours:   e.resetHours,
		LastReset:    s.LastReset,
		NextReset:    s.LastReset.Add(e.window()),
	}
}

// Allowed loads the user's state, resets an expired window and reports
// whether the user is still under the ceiling. With quota disabled it only
// ensures the state exists.
func (e *Engine) Allowed(ctx context.Context, user string) (bool, domain.QuotaSnapshot, error) {
	unlock := e.locks.Lock(user)
	defer unlock()

	now := e.clock()
	state, err := e.store.Get(ctx, user, now)
	if err != nil {
		return false, domain.QuotaSnapshot{}, fmt.Errorf("load quota: %w", err)
	}

	if !e.Enabled() {
		return true, e.snapshot(state), nil
	}

	if now.After(state.LastReset.Add(e.window())) {
		state, err = e.store.Reset(ctx, user, state.LastReset, now)
		if err != nil {
			return false, domain.QuotaSnapshot{}, fmt.Errorf("reset quota: %w", err)
		}
	}

	return state.TokenCount < e.periodTokens, e.snapshot(state), nil
}

// Check is Allowed turned into an error for callers that enforce the quota.
func (e *Engine) Check(ctx context.Context, user string) (domain.QuotaSnapshot, error) {
	allowed, snap, err := e.Allowed(ctx, user)
	if err != nil {
		return snap, err
	}
	if !allowed {
		return snap, &domain.QuotaExceededError{Count: snap.TokenCount, NextReset: snap.NextReset}
	}
	return snap, nil
}

// Update charges tokens to the user's current window. It is a no-op when
// quota is disabled.
func (e *Engine) Update(ctx context.Context, user string, tokens int) (domain.QuotaSnapshot, error) {
	if !e.Enabled() || tokens <= 0 {
		state, err := e.store.Get(ctx, user, e.clock())
		if err != nil {
			return domain.QuotaSnapshot{}, fmt.Errorf("load quota: %w", err)
		}
		return e.snapshot(state), nil
	}

	unlock := e.locks.Lock(user)
	state, err := e.store.Add(ctx, user, tokens, e.clock())
	unlock()
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("update quota: %w", err)
	}

	snap := e.snapshot(state)
	if e.monitor != nil {
		e.monitor.Check(ctx, user, snap)
	}
	return snap, nil
}

// ForceReset starts a new window for user immediately.
func (e *Engine) ForceReset(ctx context.Context, user string) (domain.QuotaSnapshot, error) {
	unlock := e.locks.Lock(user)
	defer unlock()

	now := e.clock()
	state, err := e.store.Get(ctx, user, now)
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("load quota: %w", err)
	}
	state, err = e.store.Reset(ctx, user, state.LastReset, now)
	if err != nil {
		return domain.QuotaSnapshot{}, fmt.Errorf("reset quota: %w", err)
	}
	return e.snapshot(state), nil
}

func (e *Engine) Close() error {
	return e.store.Close()
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

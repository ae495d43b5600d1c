package quota

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

// InMemoryStore keeps quota state in process memory. Suitable for
// single-instance deployments and tests.
type InMemoryStore struct {
	mu     sync.Mutex
	states map[string]domain.QuotaState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states: make(map[string]domain.QuotaState),
	}
}

func (s *InMemoryStore) Get(_ context.Context, user string, now time.Time) (domain.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[user]
	if !ok {
		state = domain.QuotaState{LastReset: now}
		s.states[user] = state
	}
	return state, nil
}

func (s *InMemoryStore) Reset(_ context.Context, user string, seen, now time.Time) (domain.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[user]
	if !ok || state.LastReset.Equal(seen) {
		state = domain.QuotaState{LastReset: now}
		s.states[user] = state
	}
	return state, nil
}

func (s *InMemoryStore) Add(_ context.Context, user string, tokens int, now time.Time) (domain.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[user]
	if !ok {
		state = domain.QuotaState{LastReset: now}
	}
	state.TokenCount += tokens
	s.states[user] = state
	return state, nil
}

// Set overwrites a user's state.
func (s *InMemoryStore) Set(user string, state domain.QuotaState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[user] = state
}

func (s *InMemoryStore) Close() error {
	return nil
}

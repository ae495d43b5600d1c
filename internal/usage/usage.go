// Package usage keeps a per-request ledger of the tokens each user consumed.
package usage

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Record struct {
	ID           string    `json:"id"`
	User         string    `json:"user"`
	RequestID    string    `json:"requestId,omitempty"`
	Action       string    `json:"action"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	PromptTokens int       `json:"promptTokens"`
	TotalTokens  int       `json:"totalTokens"`
	Stream       bool      `json:"stream"`
	Charged      bool      `json:"charged"`
	LatencyMs    int64     `json:"latencyMs"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

type Tracker interface {
	Record(ctx context.Context, record Record) error
	GetUserUsage(ctx context.Context, user string, since time.Time) ([]Record, error)
	GetUserTotalTokens(ctx context.Context, user string, since time.Time) (int, error)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexically sortable record id.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// DefaultMaxRecords caps the in-memory ledger.
const DefaultMaxRecords = 100_000

// InMemoryTracker keeps the most recent records only; the oldest are dropped
// once the cap is reached.
type InMemoryTracker struct {
	mu         sync.RWMutex
	records    []Record
	maxRecords int
}

func NewInMemoryTracker() *InMemoryTracker {
	return NewInMemoryTrackerWithLimit(DefaultMaxRecords)
}

func NewInMemoryTrackerWithLimit(maxRecords int) *InMemoryTracker {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &InMemoryTracker{
		records:    make([]Record, 0),
		maxRecords: maxRecords,
	}
}

func (t *InMemoryTracker) Record(_ context.Context, record Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if record.ID == "" {
		record.ID = NewID(record.Timestamp)
	}
	t.records = append(t.records, record)
	if over := len(t.records) - t.maxRecords; over > 0 {
		clear(t.records[:over])
		t.records = t.records[over:]
	}
	return nil
}

func (t *InMemoryTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// GetUserUsage returns the user's records newest first.
func (t *InMemoryTracker) GetUserUsage(_ context.Context, user string, since time.Time) ([]Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []Record
	for i := len(t.records) - 1; i >= 0; i-- {
		r := t.records[i]
		if r.User == user && !r.Timestamp.Before(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (t *InMemoryTracker) GetUserTotalTokens(_ context.Context, user string, since time.Time) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0
	for _, r := range t.records {
		if r.User == user && r.Charged && !r.Timestamp.Before(since) {
			total += r.TotalTokens
		}
	}
	return total, nil
}

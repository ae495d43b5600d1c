package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

// sqlQueries holds the statements for one SQL dialect. Each statement
// returns (token_count, last_reset) where last_reset is unix milliseconds.
type sqlQueries struct {
	get   string
	reset string
	load  string
	add   string
}

type sqlStore struct {
	db *sql.DB
	q  sqlQueries
}

func (s *sqlStore) scan(row *sql.Row) (domain.QuotaState, error) {
	var count int
	var last int64
	if err := row.Scan(&count, &last); err != nil {
		return domain.QuotaState{}, err
	}
	return domain.QuotaState{TokenCount: count, LastReset: time.UnixMilli(last).UTC()}, nil
}

func (s *sqlStore) Get(ctx context.Context, user string, now time.Time) (domain.QuotaState, error) {
	state, err := s.scan(s.db.QueryRowContext(ctx, s.q.get, user, now.UnixMilli()))
	if err != nil {
		return domain.QuotaState{}, fmt.Errorf("query quota state: %w", err)
	}
	return state, nil
}

func (s *sqlStore) Reset(ctx context.Context, user string, seen, now time.Time) (domain.QuotaState, error) {
	if _, err := s.db.ExecContext(ctx, s.q.reset, user, seen.UnixMilli(), now.UnixMilli()); err != nil {
		return domain.QuotaState{}, fmt.Errorf("reset quota state: %w", err)
	}

	state, err := s.scan(s.db.QueryRowContext(ctx, s.q.load, user))
	if err == sql.ErrNoRows {
		return s.Get(ctx, user, now)
	}
	if err != nil {
		return domain.QuotaState{}, fmt.Errorf("query quota state: %w", err)
	}
	return state, nil
}

func (s *sqlStore) Add(ctx context.Context, user string, tokens int, now time.Time) (domain.QuotaState, error) {
	state, err := s.scan(s.db.QueryRowContext(ctx, s.q.add, user, tokens, now.UnixMilli()))
	if err != nil {
		return domain.QuotaState{}, fmt.Errorf("update quota state: %w", err)
	}
	return state, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		request_id    TEXT,
		action        TEXT NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		total_tokens  INTEGER NOT NULL,
		stream        BOOLEAN NOT NULL,
		charged       BOOLEAN NOT NULL,
		latency_ms    BIGINT NOT NULL,
		status        TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_records_user ON usage_records(user_id, created_at DESC)
`

type PostgresTracker struct {
	db *sql.DB
}

func NewPostgresTracker(ctx context.Context, db *sql.DB) (*PostgresTracker, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("migrate usage_records: %w", err)
	}
	return &PostgresTracker{db: db}, nil
}

func (r *PostgresTracker) Record(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = NewID(record.Timestamp)
	}

	query := `
		INSERT INTO usage_records (id, user_id, request_id, action, model, provider, prompt_tokens, total_tokens, stream, charged, latency_ms, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.User,
		record.RequestID,
		record.Action,
		record.Model,
		record.Provider,
		record.PromptTokens,
		record.TotalTokens,
		record.Stream,
		record.Charged,
		record.LatencyMs,
		record.Status,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *PostgresTracker) GetUserUsage(ctx context.Context, user string, since time.Time) ([]Record, error) {
	query := `
		SELECT id, user_id, request_id, action, model, provider, prompt_tokens, total_tokens, stream, charged, latency_ms, status, created_at
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, user, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var requestID sql.NullString
		err := rows.Scan(
			&record.ID,
			&record.User,
			&requestID,
			&record.Action,
			&record.Model,
			&record.Provider,
			&record.PromptTokens,
			&record.TotalTokens,
			&record.Stream,
			&record.Charged,
			&record.LatencyMs,
			&record.Status,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		record.RequestID = requestID.String
		records = append(records, record)
	}

	return records, rows.Err()
}

func (r *PostgresTracker) GetUserTotalTokens(ctx context.Context, user string, since time.Time) (int, error) {
	query := `
		SELECT COALESCE(SUM(total_tokens), 0)
		FROM usage_records
		WHERE user_id = $1 AND charged AND created_at >= $2
	`

	var total int
	if err := r.db.QueryRowContext(ctx, query, user, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total tokens: %w", err)
	}

	return total, nil
}

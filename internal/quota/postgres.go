package quota

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS quota_states (
		user_id     TEXT PRIMARY KEY,
		token_count BIGINT NOT NULL DEFAULT 0,
		last_reset  BIGINT NOT NULL
	)
`

var postgresQueries = sqlQueries{
	get: `
		INSERT INTO quota_states (user_id, token_count, last_reset)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING token_count, last_reset
	`,
	reset: `
		UPDATE quota_states SET token_count = 0, last_reset = $3
		WHERE user_id = $1 AND last_reset = $2
	`,
	load: `SELECT token_count, last_reset FROM quota_states WHERE user_id = $1`,
	add: `
		INSERT INTO quota_states (user_id, token_count, last_reset)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET token_count = quota_states.token_count + EXCLUDED.token_count
		RETURNING token_count, last_reset
	`,
}

type PostgresStore struct {
	sqlStore
}

// NewPostgresStore creates the quota_states table if needed.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("migrate quota_states: %w", err)
	}
	return &PostgresStore{sqlStore{db: db, q: postgresQueries}}, nil
}

func OpenPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store, err := NewPostgresStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

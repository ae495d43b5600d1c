package quota

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS quota_states (
		user_id     TEXT PRIMARY KEY,
		token_count INTEGER NOT NULL DEFAULT 0,
		last_reset  INTEGER NOT NULL
	)
`

var sqliteQueries = sqlQueries{
	get: `
		INSERT INTO quota_states (user_id, token_count, last_reset)
		VALUES (?1, 0, ?2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = excluded.user_id
		RETURNING token_count, last_reset
	`,
	reset: `
		UPDATE quota_states SET token_count = 0, last_reset = ?3
		WHERE user_id = ?1 AND last_reset = ?2
	`,
	load: `SELECT token_count, last_reset FROM quota_states WHERE user_id = ?1`,
	add: `
		INSERT INTO quota_states (user_id, token_count, last_reset)
		VALUES (?1, ?2, ?3)
		ON CONFLICT (user_id) DO UPDATE SET token_count = token_count + excluded.token_count
		RETURNING token_count, last_reset
	`,
}

// SQLiteStore keeps quota state in a local database file.
type SQLiteStore struct {
	sqlStore
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer keeps the read-modify-write statements serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{sqlStore{db: db, q: sqliteQueries}}, nil
}

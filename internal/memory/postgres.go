package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists user contexts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_contexts (
			user_id TEXT PRIMARY KEY,
			history_json TEXT NOT NULL,
			summary TEXT,
			token_usage INTEGER NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_activity TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_contexts_last_activity ON user_contexts (last_activity);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, userID string) (UserContext, error) {
	var (
		uc          UserContext
		historyJSON string
		summary     *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, history_json, summary, token_usage, version, created_at, updated_at, last_activity
		 FROM user_contexts WHERE user_id=$1`,
		userID,
	).Scan(&uc.UserID, &historyJSON, &summary, &uc.TokenUsage, &uc.Version, &uc.CreatedAt, &uc.UpdatedAt, &uc.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserContext{}, ErrNotFound
	}
	if err != nil {
		return UserContext{}, fmt.Errorf("load context: %w", err)
	}

	uc.History, err = decodeHistory(historyJSON)
	if err != nil {
		return UserContext{}, err
	}
	if summary != nil {
		uc.Summary = *summary
	}
	return uc, nil
}

func (s *PostgresStore) Save(ctx context.Context, uc UserContext) error {
	historyJSON, err := encodeHistory(uc.History)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO user_contexts (user_id, history_json, summary, token_usage, version, created_at, updated_at, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id) DO UPDATE SET
			history_json = EXCLUDED.history_json,
			summary = EXCLUDED.summary,
			token_usage = EXCLUDED.token_usage,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at,
			last_activity = EXCLUDED.last_activity
		 WHERE user_contexts.version < EXCLUDED.version`,
		uc.UserID,
		historyJSON,
		nullableSummary(uc.Summary),
		uc.TokenUsage,
		uc.Version,
		uc.CreatedAt,
		uc.UpdatedAt,
		uc.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_contexts WHERE user_id=$1`, userID)
	if err != nil {
		return false, fmt.Errorf("delete context: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_contexts WHERE last_activity < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep expired contexts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_contexts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contexts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

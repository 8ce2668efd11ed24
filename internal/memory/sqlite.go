package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists user contexts in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS user_contexts (
		user_id TEXT PRIMARY KEY,
		history_json TEXT NOT NULL,
		summary TEXT,
		token_usage INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_user_contexts_last_activity ON user_contexts(last_activity);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, userID string) (UserContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, history_json, summary, token_usage, version,
		       created_at, updated_at, last_activity
		FROM user_contexts WHERE user_id = ?`, userID)

	var (
		uc                               UserContext
		historyJSON                      string
		summary                          sql.NullString
		createdAt, updatedAt, lastActive int64
	)
	err := row.Scan(&uc.UserID, &historyJSON, &summary, &uc.TokenUsage, &uc.Version,
		&createdAt, &updatedAt, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return UserContext{}, ErrNotFound
	}
	if err != nil {
		return UserContext{}, fmt.Errorf("scan context row: %w", err)
	}

	uc.History, err = decodeHistory(historyJSON)
	if err != nil {
		return UserContext{}, err
	}
	uc.Summary = summary.String
	uc.CreatedAt = fromMillis(createdAt)
	uc.UpdatedAt = fromMillis(updatedAt)
	uc.LastActivity = fromMillis(lastActive)
	return uc, nil
}

func (s *SQLiteStore) Save(ctx context.Context, uc UserContext) error {
	historyJSON, err := encodeHistory(uc.History)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_contexts (user_id, history_json, summary, token_usage, version,
		                           created_at, updated_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			history_json = excluded.history_json,
			summary = excluded.summary,
			token_usage = excluded.token_usage,
			version = excluded.version,
			updated_at = excluded.updated_at,
			last_activity = excluded.last_activity
		WHERE user_contexts.version < excluded.version`,
		uc.UserID, historyJSON, nullableSummary(uc.Summary), uc.TokenUsage, uc.Version,
		uc.CreatedAt.UnixMilli(), uc.UpdatedAt.UnixMilli(), uc.LastActivity.UnixMilli(),
	)
	if err != nil {
		if isSQLiteConflict(err) {
			return fmt.Errorf("save context (database busy): %w", err)
		}
		return fmt.Errorf("save context: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save context rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_contexts WHERE user_id = ?`, userID)
	if err != nil {
		return false, fmt.Errorf("delete context: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete context rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_contexts WHERE last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep expired contexts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_contexts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contexts: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isSQLiteConflict reports SQLITE_BUSY / "database is locked" errors.
func isSQLiteConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

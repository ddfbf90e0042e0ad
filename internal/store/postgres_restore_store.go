package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/model"
)

// PostgresRestoreStore implements RestoreStore on PostgreSQL
type PostgresRestoreStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRestoreStore connects and makes sure the table exists
func NewPostgresRestoreStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresRestoreStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresRestoreStore{pool: pool, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresRestoreStore) migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS restore_entries (
			name           TEXT PRIMARY KEY,
			cache_strategy TEXT NOT NULL,
			cache_size     INTEGER NOT NULL,
			saved_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create restore_entries table: %w", err)
	}
	return nil
}

// Load returns the saved entries in the order they were saved
func (s *PostgresRestoreStore) Load(ctx context.Context) ([]model.RestoreEntry, error) {
	query := `
		SELECT name, cache_strategy, cache_size
		FROM restore_entries
		ORDER BY saved_at, name
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load restore entries: %w", err)
	}
	defer rows.Close()

	var entries []model.RestoreEntry
	for rows.Next() {
		var e model.RestoreEntry
		var strategy string
		if err := rows.Scan(&e.Name, &strategy, &e.CacheSize); err != nil {
			return nil, fmt.Errorf("failed to scan restore entry: %w", err)
		}
		e.CacheStrategy = model.CacheStrategy(strategy)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Append upserts entries in one transaction
func (s *PostgresRestoreStore) Append(ctx context.Context, entries ...model.RestoreEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO restore_entries (name, cache_strategy, cache_size, saved_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE
		SET cache_strategy = EXCLUDED.cache_strategy, cache_size = EXCLUDED.cache_size, saved_at = now()
	`
	for _, e := range entries {
		if _, err := tx.Exec(ctx, query, e.Name, string(e.CacheStrategy), e.CacheSize); err != nil {
			return fmt.Errorf("failed to save restore entry %s: %w", e.Name, err)
		}
	}
	return tx.Commit(ctx)
}

// Clear empties the list
func (s *PostgresRestoreStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM restore_entries`)
	return err
}

// Ping checks the database connection
func (s *PostgresRestoreStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresRestoreStore) Close() error {
	s.pool.Close()
	return nil
}

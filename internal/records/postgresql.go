package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgreSQLStore writes records to PostgreSQL with the record body in a
// JSONB column.
type PostgreSQLStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// OpenPostgreSQL creates a verified connection pool for url.
func OpenPostgreSQL(ctx context.Context, url string, maxConns int) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, errors.New("records: PostgreSQL URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	} else {
		poolCfg.MaxConns = 10
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return pool, nil
}

// NewPostgreSQLStore creates the completion_records table if it does not
// exist.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, errors.New("records: connection pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("records_postgresql")

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS completion_records (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			user_id TEXT,
			model TEXT,
			provider TEXT,
			stream BOOLEAN DEFAULT FALSE,
			status TEXT,
			thread_ref TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			data JSONB
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion_records table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_records_user ON completion_records(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_records_created ON completion_records(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_records_thread ON completion_records(thread_ref)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			logger.Warn("failed to create index", zap.Error(err))
		}
	}

	return &PostgreSQLStore{pool: pool, logger: logger}, nil
}

func (s *PostgreSQLStore) Write(ctx context.Context, rec *Record) (string, error) {
	data, err := prepare(rec)
	if err != nil {
		return "", fmt.Errorf("records: encode: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO completion_records
			(id, request_id, user_id, model, provider, stream, status, thread_ref, created_at, completed_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID,
		rec.RequestID,
		rec.UserID,
		rec.Model,
		rec.Provider,
		rec.Stream,
		rec.status(),
		rec.ThreadRef,
		rec.CreatedAt,
		rec.CompletedAt,
		string(data),
	)
	if err != nil {
		return "", fmt.Errorf("records: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrDuplicate
	}
	return rec.ID, nil
}

func (s *PostgreSQLStore) Get(ctx context.Context, id string) (*Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM completion_records WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("records: select: %w", err)
	}
	return decode(data)
}

func (s *PostgreSQLStore) Close() error {
	s.pool.Close()
	return nil
}

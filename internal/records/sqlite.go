package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore writes records to a local SQLite database. The filterable
// fields are columns; the full record is kept as JSON in data.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path in WAL mode.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = ".data/gateway.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	return db, nil
}

// NewSQLiteStore creates the completion_records table if it does not exist.
func NewSQLiteStore(db *sql.DB, logger *zap.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("records: database connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("records_sqlite")

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS completion_records (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			user_id TEXT,
			model TEXT,
			provider TEXT,
			stream INTEGER DEFAULT 0,
			status TEXT,
			thread_ref TEXT,
			created_at TEXT NOT NULL,
			completed_at TEXT,
			data JSON
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
		if _, err := db.Exec(idx); err != nil {
			logger.Warn("failed to create index", zap.Error(err))
		}
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Write(ctx context.Context, rec *Record) (string, error) {
	data, err := prepare(rec)
	if err != nil {
		return "", fmt.Errorf("records: encode: %w", err)
	}

	streamInt := 0
	if rec.Stream {
		streamInt = 1
	}
	var completedAt any
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO completion_records
			(id, request_id, user_id, model, provider, stream, status, thread_ref, created_at, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.RequestID,
		rec.UserID,
		rec.Model,
		rec.Provider,
		streamInt,
		rec.status(),
		rec.ThreadRef,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		completedAt,
		string(data),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("records: insert: %w", err)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM completion_records WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("records: select: %w", err)
	}
	return decode([]byte(data))
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

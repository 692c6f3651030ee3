package infra

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

type SQLiteConfig struct {
	Path          string
	BusyTimeoutMs int
}

type SQLite struct {
	DB *sql.DB
}

const createUsageEventsTable = `
CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	api_id TEXT NOT NULL,
	endpoint_id TEXT NOT NULL,
	api_key_id TEXT NOT NULL,
	amount_usdc TEXT NOT NULL,
	stellar_tx_hash TEXT,
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_events_request_id ON usage_events(request_id);
CREATE INDEX IF NOT EXISTS idx_usage_events_user_time ON usage_events(user_id, created_at);
`

// NewSQLite 開啟 SQLite 並執行 migration。
// 交易一律以 BEGIN IMMEDIATE 開始，同一時間只有一個寫入交易，其餘等待 busy_timeout。
func NewSQLite(config SQLiteConfig) (*SQLite, error) {
	busy := config.BusyTimeoutMs
	if busy <= 0 {
		busy = 30000
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		config.Path, busy)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLite{DB: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", config.Path).Msg("Connected to SQLite!")
	return s, nil
}

// Migrate 建立資料表與索引（可重複執行）
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, createUsageEventsTable); err != nil {
		return fmt.Errorf("migrate usage_events: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}

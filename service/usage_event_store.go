package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"api-marketplace/infra"
	"api-marketplace/model"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrDuplicateRequestID = errors.New("duplicate request id")
	ErrUsageEventNotFound = errors.New("usage event not found")
)

// DeductionStore 扣款紀錄的持久化層，request_id 具唯一性約束
type DeductionStore interface {
	BeginTx(ctx context.Context) (DeductionTx, error)
	FindByRequestID(ctx context.Context, requestID string) (*model.UsageEvent, error)
}

// DeductionTx 單一交易範圍內的操作；Commit 或 Rollback 之後不可再使用
type DeductionTx interface {
	FindByRequestID(ctx context.Context, requestID string) (*model.UsageEvent, error)
	// Insert 在 request_id 已存在時回傳 ErrDuplicateRequestID
	Insert(ctx context.Context, event *model.UsageEvent) error
	AttachTxHash(ctx context.Context, id, txHash string) error
	Commit() error
	Rollback() error
}

// SQLiteDeductionStore 以 SQLite usage_events 表實作 DeductionStore
type SQLiteDeductionStore struct {
	db *sql.DB
}

func NewSQLiteDeductionStore(sqliteDB *infra.SQLite) *SQLiteDeductionStore {
	return &SQLiteDeductionStore{db: sqliteDB.DB}
}

// created_at 以固定寬度 UTC 字串保存，字典序即時間序
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

const usageEventColumns = `id, request_id, user_id, api_id, endpoint_id, api_key_id, amount_usdc, stellar_tx_hash, created_at`

// queryer 讓 *sql.DB 與 *sql.Tx 共用查詢邏輯
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteDeductionStore) BeginTx(ctx context.Context) (DeductionTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin usage event tx: %w", err)
	}
	return &sqliteDeductionTx{tx: tx}, nil
}

func (s *SQLiteDeductionStore) FindByRequestID(ctx context.Context, requestID string) (*model.UsageEvent, error) {
	return findByRequestID(ctx, s.db, requestID)
}

// ListByUser 依建立時間倒序列出用戶的扣款紀錄
func (s *SQLiteDeductionStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.UsageEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+usageEventColumns+` FROM usage_events WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		event, err := scanUsageEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

type sqliteDeductionTx struct {
	tx *sql.Tx
}

func (t *sqliteDeductionTx) FindByRequestID(ctx context.Context, requestID string) (*model.UsageEvent, error) {
	return findByRequestID(ctx, t.tx, requestID)
}

func (t *sqliteDeductionTx) Insert(ctx context.Context, event *model.UsageEvent) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO usage_events (`+usageEventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RequestID, event.UserID, event.APIID, event.EndpointID, event.APIKeyID,
		event.AmountUSDC, nullableString(event.StellarTxHash), event.CreatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateRequestID, event.RequestID)
		}
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

func (t *sqliteDeductionTx) AttachTxHash(ctx context.Context, id, txHash string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE usage_events SET stellar_tx_hash = ? WHERE id = ? AND stellar_tx_hash IS NULL`, txHash, id)
	if err != nil {
		return fmt.Errorf("attach tx hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach tx hash: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("attach tx hash: %w: %s", ErrUsageEventNotFound, id)
	}
	return nil
}

func (t *sqliteDeductionTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteDeductionTx) Rollback() error {
	return t.tx.Rollback()
}

func findByRequestID(ctx context.Context, q queryer, requestID string) (*model.UsageEvent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+usageEventColumns+` FROM usage_events WHERE request_id = ?`, requestID)
	event, err := scanUsageEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUsageEvent(row scanner) (*model.UsageEvent, error) {
	var (
		event     model.UsageEvent
		txHash    sql.NullString
		createdAt string
	)
	err := row.Scan(&event.ID, &event.RequestID, &event.UserID, &event.APIID, &event.EndpointID,
		&event.APIKeyID, &event.AmountUSDC, &txHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan usage event: %w", err)
	}

	if txHash.Valid {
		hash := txHash.String
		event.StellarTxHash = &hash
	}
	event.CreatedAt, err = time.Parse(sqliteTimeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return &event, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: usage_events.request_id")
}

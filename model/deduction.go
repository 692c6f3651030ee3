package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// USDCScale USDC 金額固定小數位數
const USDCScale int32 = 7

var (
	ErrInvalidAmount    = errors.New("invalid usdc amount")
	ErrMissingRequestID = errors.New("missing request id")
	ErrMissingUserID    = errors.New("missing user id")
)

// DeductionRequest 一次扣款請求；RequestID 即冪等鍵，由呼叫端提供且重試時不變
type DeductionRequest struct {
	RequestID  string
	UserID     string
	APIID      string
	EndpointID string
	APIKeyID   string
	AmountUSDC string
}

// DeductionErrorCode 失敗分類，供 API 層決定 HTTP 狀態碼
type DeductionErrorCode string

const (
	DeductionErrorInvalidRequest    DeductionErrorCode = "invalid_request"
	DeductionErrorLedgerRejected    DeductionErrorCode = "ledger_rejected"
	DeductionErrorLedgerUnavailable DeductionErrorCode = "ledger_unavailable"
	DeductionErrorLedgerTimeout     DeductionErrorCode = "ledger_timeout"
	DeductionErrorStoreUnavailable  DeductionErrorCode = "store_unavailable"
	DeductionErrorConcurrent        DeductionErrorCode = "concurrent_request"
	// 冪等鍵已被其他用戶使用
	DeductionErrorKeyConflict DeductionErrorCode = "idempotency_key_conflict"
)

// DeductionResult 扣款結果。重複請求回傳與第一次相同的 UsageEventID 與 StellarTxHash
type DeductionResult struct {
	Success          bool               `json:"success" doc:"扣款是否成功"`
	UsageEventID     string             `json:"usageEventId,omitempty" doc:"扣款紀錄 ID"`
	StellarTxHash    string             `json:"stellarTxHash,omitempty" doc:"帳本交易雜湊"`
	AlreadyProcessed bool               `json:"alreadyProcessed" doc:"此冪等鍵先前已處理"`
	Error            string             `json:"error,omitempty" doc:"失敗原因"`
	ErrorCode        DeductionErrorCode `json:"errorCode,omitempty" doc:"失敗分類"`
}

// Normalize 驗證請求並回傳金額統一為 7 位小數的副本
func (r DeductionRequest) Normalize() (DeductionRequest, error) {
	if strings.TrimSpace(r.RequestID) == "" {
		return r, ErrMissingRequestID
	}
	if strings.TrimSpace(r.UserID) == "" {
		return r, ErrMissingUserID
	}

	amount, err := ParseUSDC(r.AmountUSDC)
	if err != nil {
		return r, err
	}

	r.AmountUSDC = FormatUSDC(amount)
	return r, nil
}

// ParseUSDC 解析正數且不超過 7 位小數的金額
func ParseUSDC(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive, got %s", ErrInvalidAmount, s)
	}
	if !d.Equal(d.Truncate(USDCScale)) {
		return decimal.Zero, fmt.Errorf("%w: more than %d decimal places in %s", ErrInvalidAmount, USDCScale, s)
	}

	return d, nil
}

func FormatUSDC(d decimal.Decimal) string {
	return d.StringFixed(USDCScale)
}

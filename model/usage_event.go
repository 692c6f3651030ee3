package model

import "time"

// UsageEvent 一筆扣款紀錄，每個 request_id 最多一筆。
// StellarTxHash 為 nil 表示帳本尚未確認（正常流程中不會被提交）。
type UsageEvent struct {
	ID            string    `bson:"_id" json:"id"`
	RequestID     string    `bson:"request_id" json:"request_id"`
	UserID        string    `bson:"user_id" json:"user_id"`
	APIID         string    `bson:"api_id" json:"api_id"`
	EndpointID    string    `bson:"endpoint_id" json:"endpoint_id"`
	APIKeyID      string    `bson:"api_key_id" json:"api_key_id"`
	AmountUSDC    string    `bson:"amount_usdc" json:"amount_usdc"`
	StellarTxHash *string   `bson:"stellar_tx_hash" json:"stellar_tx_hash,omitempty"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}

// TxHash 回傳交易雜湊，尚未確認時為空字串
func (e *UsageEvent) TxHash() string {
	if e == nil || e.StellarTxHash == nil {
		return ""
	}
	return *e.StellarTxHash
}

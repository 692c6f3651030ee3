package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const EventTypeDeductionCompleted = "deduction.completed"

// DeductionCompletedEvent 扣款提交後發佈到 usage_events_queue 的訊息
type DeductionCompletedEvent struct {
	Type          string    `json:"type"`
	UsageEventID  string    `json:"usage_event_id"`
	RequestID     string    `json:"request_id"`
	UserID        string    `json:"user_id"`
	APIID         string    `json:"api_id"`
	EndpointID    string    `json:"endpoint_id"`
	APIKeyID      string    `json:"api_key_id"`
	AmountUSDC    string    `json:"amount_usdc"`
	StellarTxHash string    `json:"stellar_tx_hash"`
	DeductedAt    time.Time `json:"deducted_at"`
}

func NewDeductionCompletedEvent(e *UsageEvent) DeductionCompletedEvent {
	return DeductionCompletedEvent{
		Type:          EventTypeDeductionCompleted,
		UsageEventID:  e.ID,
		RequestID:     e.RequestID,
		UserID:        e.UserID,
		APIID:         e.APIID,
		EndpointID:    e.EndpointID,
		APIKeyID:      e.APIKeyID,
		AmountUSDC:    e.AmountUSDC,
		StellarTxHash: e.TxHash(),
		DeductedAt:    e.CreatedAt,
	}
}

// APIUsageLog API 用量紀錄，由 usage_events_queue 消費者寫入
type APIUsageLog struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UsageEventID  string             `bson:"usage_event_id" json:"usage_event_id"`
	RequestID     string             `bson:"request_id" json:"request_id"`
	UserID        string             `bson:"user_id" json:"user_id"`
	APIID         string             `bson:"api_id" json:"api_id"`
	EndpointID    string             `bson:"endpoint_id" json:"endpoint_id"`
	APIKeyID      string             `bson:"api_key_id" json:"api_key_id"`
	AmountUSDC    string             `bson:"amount_usdc" json:"amount_usdc"`
	StellarTxHash string             `bson:"stellar_tx_hash" json:"stellar_tx_hash"`
	DeductedAt    time.Time          `bson:"deducted_at" json:"deducted_at"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
}

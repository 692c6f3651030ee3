package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AuditAction 稽核事件類型
type AuditAction string

const (
	AuditActionDeductionFailed     AuditAction = "billing.deduction_failed"
	AuditActionDeductionCommitLost AuditAction = "billing.commit_failed_after_ledger"
	AuditActionLedgerLateSuccess   AuditAction = "billing.ledger_succeeded_after_timeout"
	AuditActionRateLimitReset      AuditAction = "rate_limit.reset"
	AuditActionRateLimitClearAll   AuditAction = "rate_limit.clear_all"
)

// AuditLog 稽核紀錄
type AuditLog struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Action    AuditAction        `bson:"action" json:"action"`
	ActorID   string             `bson:"actor_id,omitempty" json:"actor_id,omitempty"`
	Target    string             `bson:"target,omitempty" json:"target,omitempty"`
	Details   map[string]string  `bson:"details,omitempty" json:"details,omitempty"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}

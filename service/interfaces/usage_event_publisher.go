package interfaces

import (
	"context"

	"api-marketplace/model"
)

// UsageEventPublisher 扣款提交後發佈用量事件
type UsageEventPublisher interface {
	PublishDeductionCompleted(ctx context.Context, event *model.UsageEvent) error
}

// AuditLogger 寫入稽核紀錄
type AuditLogger interface {
	Record(ctx context.Context, entry *model.AuditLog) error
}

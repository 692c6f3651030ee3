package service

import (
	"context"
	"time"

	"api-marketplace/infra"
	"api-marketplace/model"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AuditLogService struct {
	logger  zerolog.Logger
	MongoDB *infra.MongoDB
}

func NewAuditLogService(logger zerolog.Logger, mongo *infra.MongoDB) *AuditLogService {
	return &AuditLogService{
		logger:  logger.With().Str("module", "audit_log_service").Logger(),
		MongoDB: mongo,
	}
}

// Record 寫入一筆稽核紀錄
func (s *AuditLogService) Record(ctx context.Context, entry *model.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	coll := s.MongoDB.GetCollection(infra.CollectionAuditLogs)
	if _, err := coll.InsertOne(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("action", string(entry.Action)).Msg("建立稽核紀錄失敗 (Failed to create audit log)")
		return err
	}
	return nil
}

// List 依建立時間倒序分頁列出稽核紀錄，action 為空時不過濾
func (s *AuditLogService) List(ctx context.Context, action string, offset, limit int) ([]model.AuditLog, int64, error) {
	coll := s.MongoDB.GetCollection(infra.CollectionAuditLogs)

	filter := bson.M{}
	if action != "" {
		filter["action"] = action
	}

	total, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("統計稽核紀錄數量失敗 (Failed to count audit logs)")
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("查詢稽核紀錄失敗 (Failed to find audit logs)")
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	logs := []model.AuditLog{}
	if err := cursor.All(ctx, &logs); err != nil {
		s.logger.Error().Err(err).Msg("讀取稽核紀錄失敗 (Failed to decode audit logs)")
		return nil, 0, err
	}
	return logs, total, nil
}

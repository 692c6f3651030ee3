package service

import (
	"context"
	"errors"
	"time"

	"api-marketplace/infra"
	"api-marketplace/model"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrInvalidGroupBy = errors.New("無效的群組欄位，必須為 'api_id'、'user_id' 或 'endpoint_id' (Invalid group_by field)")

var usageStatsGroupFields = map[string]bool{
	"api_id":      true,
	"user_id":     true,
	"endpoint_id": true,
}

type APIUsageLogService struct {
	logger  zerolog.Logger
	MongoDB *infra.MongoDB
}

func NewAPIUsageLogService(logger zerolog.Logger, mongo *infra.MongoDB) *APIUsageLogService {
	return &APIUsageLogService{
		logger:  logger.With().Str("module", "api_usage_log_service").Logger(),
		MongoDB: mongo,
	}
}

// RecordDeduction 依扣款完成事件寫入用量紀錄。
// 以 usage_event_id upsert，重複投遞的訊息不會產生第二筆。
func (s *APIUsageLogService) RecordDeduction(ctx context.Context, event model.DeductionCompletedEvent) error {
	coll := s.MongoDB.GetCollection(infra.CollectionAPIUsageLogs)

	doc := model.APIUsageLog{
		UsageEventID:  event.UsageEventID,
		RequestID:     event.RequestID,
		UserID:        event.UserID,
		APIID:         event.APIID,
		EndpointID:    event.EndpointID,
		APIKeyID:      event.APIKeyID,
		AmountUSDC:    event.AmountUSDC,
		StellarTxHash: event.StellarTxHash,
		DeductedAt:    event.DeductedAt,
		CreatedAt:     time.Now(),
	}

	_, err := coll.UpdateOne(ctx,
		bson.M{"usage_event_id": event.UsageEventID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		s.logger.Error().Err(err).Str("usage_event_id", event.UsageEventID).Msg("建立 API 用量紀錄失敗 (Failed to create api usage log)")
		return err
	}
	return nil
}

// StatsResult 聚合查詢結果
type StatsResult struct {
	ID          string `bson:"_id" json:"id"`
	Count       int    `bson:"count" json:"count"`
	TotalAmount string `bson:"-" json:"total_amount_usdc"`
}

type statsRow struct {
	ID      string   `bson:"_id"`
	Count   int      `bson:"count"`
	Amounts []string `bson:"amounts"`
}

// GetUsageStats 依 api_id、user_id 或 endpoint_id 分組統計呼叫次數與扣款總額
func (s *APIUsageLogService) GetUsageStats(ctx context.Context, groupBy string) ([]StatsResult, error) {
	if !usageStatsGroupFields[groupBy] {
		s.logger.Warn().Str("group_by", groupBy).Msg("無效的群組欄位 (Invalid group_by field)")
		return nil, ErrInvalidGroupBy
	}

	coll := s.MongoDB.GetCollection(infra.CollectionAPIUsageLogs)

	pipeline := mongo.Pipeline{
		{primitive.E{Key: "$group", Value: bson.D{
			primitive.E{Key: "_id", Value: "$" + groupBy},
			primitive.E{Key: "count", Value: bson.D{primitive.E{Key: "$sum", Value: 1}}},
			primitive.E{Key: "amounts", Value: bson.D{primitive.E{Key: "$push", Value: "$amount_usdc"}}},
		}}},
		{primitive.E{Key: "$sort", Value: bson.D{primitive.E{Key: "count", Value: -1}}}},
	}

	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		s.logger.Error().Str("group_by", groupBy).Err(err).Msg("聚合查詢用量統計失敗 (Failed to aggregate api usage stats)")
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []statsRow
	if err = cursor.All(ctx, &rows); err != nil {
		s.logger.Error().Str("group_by", groupBy).Err(err).Msg("讀取用量統計結果失敗 (Failed to read api usage stats results)")
		return nil, err
	}

	results := make([]StatsResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, StatsResult{
			ID:          row.ID,
			Count:       row.Count,
			TotalAmount: sumUSDC(s.logger, row.Amounts),
		})
	}
	return results, nil
}

// sumUSDC 以 decimal 加總字串金額，避免浮點誤差
func sumUSDC(logger zerolog.Logger, amounts []string) string {
	total := decimal.Zero
	for _, a := range amounts {
		d, err := model.ParseUSDC(a)
		if err != nil {
			logger.Warn().Err(err).Str("amount", a).Msg("略過無效金額 (Skipping invalid amount)")
			continue
		}
		total = total.Add(d)
	}
	return model.FormatUSDC(total)
}

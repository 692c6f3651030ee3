package controller

import (
	"context"
	"errors"

	"api-marketplace/data-models/api_usage_log"
	"api-marketplace/middleware"
	"api-marketplace/service"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

type UsageStatsReader interface {
	GetUsageStats(ctx context.Context, groupBy string) ([]service.StatsResult, error)
}

type APIUsageLogController struct {
	logger             zerolog.Logger
	apiUsageLogService UsageStatsReader
	authMiddleware     *middleware.DeveloperAuthMiddleware
}

func NewAPIUsageLogController(logger zerolog.Logger, apiUsageLogService UsageStatsReader, authMiddleware *middleware.DeveloperAuthMiddleware) *APIUsageLogController {
	return &APIUsageLogController{
		logger:             logger.With().Str("module", "api_usage_log_controller").Logger(),
		apiUsageLogService: apiUsageLogService,
		authMiddleware:     authMiddleware,
	}
}

func (c *APIUsageLogController) RegisterRoutes(api huma.API) {
	// 獲取 API 用量統計
	huma.Register(api, huma.Operation{
		OperationID: "get-api-usage-stats",
		Method:      "GET",
		Path:        "/api-usage-logs/stats",
		Summary:     "獲取 API 用量統計",
		Tags:        []string{"API Usage Log"},
		Middlewares: huma.Middlewares{c.authMiddleware.Auth(), c.authMiddleware.RequireAdmin()},
		Security: []map[string][]string{
			{"bearerAuth": {}},
		},
	}, func(ctx context.Context, input *api_usage_log.GetUsageStatsInput) (*api_usage_log.UsageStatsResponse, error) {
		stats, err := c.apiUsageLogService.GetUsageStats(ctx, input.GroupBy)
		if err != nil {
			if errors.Is(err, service.ErrInvalidGroupBy) {
				return nil, huma.Error400BadRequest("無效的群組欄位", err)
			}
			c.logger.Error().Err(err).Str("group_by", input.GroupBy).Msg("獲取統計信息失敗")
			return nil, huma.Error500InternalServerError("獲取統計信息失敗", err)
		}

		return &api_usage_log.UsageStatsResponse{Body: stats}, nil
	})
}

package controller

import (
	"context"
	"errors"
	"time"

	"api-marketplace/auth"
	"api-marketplace/data-models/rate_limit"
	"api-marketplace/middleware"
	"api-marketplace/ratelimit"
	"api-marketplace/service"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

// RateLimitAdmin 由 service.RateLimitService 實作
type RateLimitAdmin interface {
	Peek(scope ratelimit.Scope, key string) (ratelimit.Result, error)
	Reset(ctx context.Context, scope ratelimit.Scope, key, actorID string) error
	ClearAll(ctx context.Context, scope ratelimit.Scope, actorID string) (int, error)
	Stats(ctx context.Context, day time.Time) ([]service.ScopeSummary, error)
}

type RateLimitController struct {
	logger           zerolog.Logger
	rateLimitService RateLimitAdmin
	authMiddleware   *middleware.DeveloperAuthMiddleware
}

func NewRateLimitController(logger zerolog.Logger, rateLimitService RateLimitAdmin, authMiddleware *middleware.DeveloperAuthMiddleware) *RateLimitController {
	return &RateLimitController{
		logger:           logger.With().Str("module", "rate_limit_controller").Logger(),
		rateLimitService: rateLimitService,
		authMiddleware:   authMiddleware,
	}
}

func (c *RateLimitController) RegisterRoutes(api huma.API) {
	adminOnly := huma.Middlewares{c.authMiddleware.Auth(), c.authMiddleware.RequireAdmin()}
	security := []map[string][]string{
		{"bearerAuth": {}},
	}

	// 當日准入統計
	huma.Register(api, huma.Operation{
		OperationID: "get-rate-limit-stats",
		Method:      "GET",
		Path:        "/admin/rate-limits/stats",
		Summary:     "獲取限流統計",
		Tags:        []string{"rate-limits"},
		Middlewares: adminOnly,
		Security:    security,
	}, func(ctx context.Context, input *rate_limit.GetStatsInput) (*rate_limit.StatsResponse, error) {
		day := time.Now().UTC()
		if input.Day != "" {
			parsed, err := time.Parse(time.DateOnly, input.Day)
			if err != nil {
				return nil, huma.Error400BadRequest("日期格式錯誤", err)
			}
			day = parsed
		}

		stats, err := c.rateLimitService.Stats(ctx, day)
		if err != nil {
			c.logger.Error().Err(err).Msg("獲取限流統計失敗")
			return nil, huma.Error500InternalServerError("獲取限流統計失敗", err)
		}
		return &rate_limit.StatsResponse{Body: stats}, nil
	})

	// 查詢單一 key 狀態
	huma.Register(api, huma.Operation{
		OperationID: "get-rate-limit-bucket",
		Method:      "GET",
		Path:        "/admin/rate-limits/{scope}/{key}",
		Summary:     "查詢限流狀態",
		Description: "查詢 key 目前剩餘的 token，不會消耗 token",
		Tags:        []string{"rate-limits"},
		Middlewares: adminOnly,
		Security:    security,
	}, func(ctx context.Context, input *rate_limit.ScopeKeyInput) (*rate_limit.BucketStatusResponse, error) {
		status, err := c.rateLimitService.Peek(ratelimit.Scope(input.Scope), input.Key)
		if err != nil {
			return nil, scopeError(err)
		}

		response := &rate_limit.BucketStatusResponse{}
		response.Body.Scope = input.Scope
		response.Body.Key = input.Key
		response.Body.Status = status
		return response, nil
	})

	// 重置單一 key
	huma.Register(api, huma.Operation{
		OperationID: "reset-rate-limit-bucket",
		Method:      "DELETE",
		Path:        "/admin/rate-limits/{scope}/{key}",
		Summary:     "重置限流狀態",
		Tags:        []string{"rate-limits"},
		Middlewares: adminOnly,
		Security:    security,
	}, func(ctx context.Context, input *rate_limit.ScopeKeyInput) (*rate_limit.ResetResponse, error) {
		if err := c.rateLimitService.Reset(ctx, ratelimit.Scope(input.Scope), input.Key, actorID(ctx)); err != nil {
			return nil, scopeError(err)
		}

		response := &rate_limit.ResetResponse{}
		response.Body.Message = "限流狀態已重置"
		return response, nil
	})

	// 清除範圍內全部 key
	huma.Register(api, huma.Operation{
		OperationID: "clear-rate-limit-scope",
		Method:      "DELETE",
		Path:        "/admin/rate-limits/{scope}",
		Summary:     "清除全部限流狀態",
		Tags:        []string{"rate-limits"},
		Middlewares: adminOnly,
		Security:    security,
	}, func(ctx context.Context, input *rate_limit.ScopeInput) (*rate_limit.ClearAllResponse, error) {
		cleared, err := c.rateLimitService.ClearAll(ctx, ratelimit.Scope(input.Scope), actorID(ctx))
		if err != nil {
			return nil, scopeError(err)
		}

		response := &rate_limit.ClearAllResponse{}
		response.Body.Message = "限流狀態已全部清除"
		response.Body.Cleared = cleared
		return response, nil
	})
}

func actorID(ctx context.Context) string {
	identity, err := auth.GetIdentityFromContext(ctx)
	if err != nil {
		return ""
	}
	return identity.UserID
}

func scopeError(err error) error {
	if errors.Is(err, service.ErrUnknownRateLimitScope) {
		return huma.Error400BadRequest("無效的限流範圍", err)
	}
	return huma.Error500InternalServerError("限流操作失敗", err)
}

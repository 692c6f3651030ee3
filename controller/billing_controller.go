package controller

import (
	"context"
	"errors"
	"net/http"

	"api-marketplace/auth"
	"api-marketplace/data-models/billing"
	"api-marketplace/middleware"
	"api-marketplace/model"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

// BillingDeducter 由 service.BillingDeductionService 實作
type BillingDeducter interface {
	Deduct(ctx context.Context, req model.DeductionRequest) model.DeductionResult
	GetByIdempotencyKey(ctx context.Context, requestID string) (*model.UsageEvent, error)
}

type BillingController struct {
	logger              zerolog.Logger
	billingService      BillingDeducter
	authMiddleware      *middleware.DeveloperAuthMiddleware
	rateLimitMiddleware *middleware.RateLimitMiddleware
}

func NewBillingController(logger zerolog.Logger, billingService BillingDeducter, authMiddleware *middleware.DeveloperAuthMiddleware, rateLimitMiddleware *middleware.RateLimitMiddleware) *BillingController {
	return &BillingController{
		logger:              logger.With().Str("module", "billing_controller").Logger(),
		billingService:      billingService,
		authMiddleware:      authMiddleware,
		rateLimitMiddleware: rateLimitMiddleware,
	}
}

func (c *BillingController) RegisterRoutes(api huma.API) {
	// 扣款（冪等）
	huma.Register(api, huma.Operation{
		OperationID: "create-deduction",
		Method:      "POST",
		Path:        "/billing/deductions",
		Summary:     "冪等扣款",
		Description: "以 requestId 為冪等鍵扣款。相同 requestId 的重試回傳第一次的結果，不會重複扣款",
		Tags:        []string{"billing"},
		Middlewares: huma.Middlewares{c.authMiddleware.Auth(), c.rateLimitMiddleware.PerUser()},
		Security: []map[string][]string{
			{"bearerAuth": {}},
		},
	}, func(ctx context.Context, input *billing.DeductInput) (*billing.DeductResponse, error) {
		identity, err := auth.GetIdentityFromContext(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("無法從token中獲取用戶資訊")
			return nil, huma.Error401Unauthorized("無法從token中獲取用戶資訊")
		}

		result := c.billingService.Deduct(ctx, model.DeductionRequest{
			RequestID:  input.Body.RequestID,
			UserID:     identity.UserID,
			APIID:      input.Body.APIID,
			EndpointID: input.Body.EndpointID,
			APIKeyID:   input.Body.APIKeyID,
			AmountUSDC: input.Body.AmountUSDC,
		})

		status := deductionStatus(result)
		if status >= http.StatusInternalServerError {
			c.logger.Warn().
				Str("request_id", input.Body.RequestID).
				Str("user_id", identity.UserID).
				Str("error_code", string(result.ErrorCode)).
				Int("status", status).
				Msg("扣款暫時失敗，呼叫端可用相同 requestId 重試")
		}

		return &billing.DeductResponse{Status: status, Body: result}, nil
	})

	// 依冪等鍵查詢扣款紀錄
	huma.Register(api, huma.Operation{
		OperationID: "get-deduction",
		Method:      "GET",
		Path:        "/billing/deductions/{requestId}",
		Summary:     "查詢扣款紀錄",
		Tags:        []string{"billing"},
		Middlewares: huma.Middlewares{c.authMiddleware.Auth()},
		Security: []map[string][]string{
			{"bearerAuth": {}},
		},
	}, func(ctx context.Context, input *billing.GetDeductionInput) (*billing.UsageEventResponse, error) {
		identity, err := auth.GetIdentityFromContext(ctx)
		if err != nil {
			return nil, huma.Error401Unauthorized("無法從token中獲取用戶資訊")
		}

		event, err := c.billingService.GetByIdempotencyKey(ctx, input.RequestID)
		if err != nil {
			if errors.Is(err, model.ErrMissingRequestID) {
				return nil, huma.Error422UnprocessableEntity("缺少 requestId", err)
			}
			c.logger.Error().Err(err).Str("request_id", input.RequestID).Msg("查詢扣款紀錄失敗")
			return nil, huma.Error503ServiceUnavailable("查詢扣款紀錄失敗", err)
		}
		// 非管理員只能看到自己的紀錄；不存在與無權限一律回 404
		if event == nil || (!identity.IsAdmin() && event.UserID != identity.UserID) {
			return nil, huma.Error404NotFound("扣款紀錄不存在")
		}

		return &billing.UsageEventResponse{Body: event}, nil
	})
}

func deductionStatus(result model.DeductionResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorCode {
	case model.DeductionErrorInvalidRequest:
		return http.StatusUnprocessableEntity
	case model.DeductionErrorLedgerRejected:
		return http.StatusPaymentRequired
	case model.DeductionErrorLedgerTimeout:
		return http.StatusGatewayTimeout
	case model.DeductionErrorConcurrent, model.DeductionErrorKeyConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

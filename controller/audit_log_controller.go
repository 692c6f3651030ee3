package controller

import (
	"context"

	"api-marketplace/data-models/audit_log"
	"api-marketplace/data-models/common"
	"api-marketplace/middleware"
	"api-marketplace/model"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

type AuditLogLister interface {
	List(ctx context.Context, action string, offset, limit int) ([]model.AuditLog, int64, error)
}

type AuditLogController struct {
	logger          zerolog.Logger
	auditLogService AuditLogLister
	authMiddleware  *middleware.DeveloperAuthMiddleware
}

func NewAuditLogController(logger zerolog.Logger, auditLogService AuditLogLister, authMiddleware *middleware.DeveloperAuthMiddleware) *AuditLogController {
	return &AuditLogController{
		logger:          logger.With().Str("module", "audit_log_controller").Logger(),
		auditLogService: auditLogService,
		authMiddleware:  authMiddleware,
	}
}

func (c *AuditLogController) RegisterRoutes(api huma.API) {
	// 獲取稽核紀錄（分頁）
	huma.Register(api, huma.Operation{
		OperationID: "get-audit-logs",
		Method:      "GET",
		Path:        "/audit-logs",
		Summary:     "獲取稽核紀錄（分頁）",
		Tags:        []string{"audit-logs"},
		Middlewares: huma.Middlewares{c.authMiddleware.Auth(), c.authMiddleware.RequireAdmin()},
		Security: []map[string][]string{
			{"bearerAuth": {}},
		},
	}, func(ctx context.Context, input *audit_log.GetAuditLogsInput) (*audit_log.PaginatedAuditLogsResponse, error) {
		logs, total, err := c.auditLogService.List(ctx, input.Action, input.Offset(), input.GetPageSize())
		if err != nil {
			c.logger.Error().Err(err).Str("action", input.Action).Msg("獲取稽核紀錄失敗")
			return nil, huma.Error500InternalServerError("獲取稽核紀錄失敗", err)
		}

		response := &audit_log.PaginatedAuditLogsResponse{}
		response.Body.AuditLogs = logs
		response.Body.Pagination = common.NewPaginationInfo(input.GetPageNum(), input.GetPageSize(), total)
		return response, nil
	})
}

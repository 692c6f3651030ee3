package audit_log

import (
	"api-marketplace/data-models/common"
	"api-marketplace/model"
)

// GetAuditLogsInput 稽核紀錄列表輸入
type GetAuditLogsInput struct {
	common.BasePaginationInput
	Action string `query:"action" example:"billing.deduction_failed" doc:"依動作過濾"`
}

type PaginatedAuditLogsResponse struct {
	Body struct {
		AuditLogs  []model.AuditLog      `json:"audit_logs" doc:"稽核紀錄"`
		Pagination common.PaginationInfo `json:"pagination" doc:"分頁資訊"`
	} `json:"body"`
}

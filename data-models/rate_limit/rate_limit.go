package rate_limit

import (
	"api-marketplace/ratelimit"
	"api-marketplace/service"
)

// ScopeKeyInput 指定範圍內的單一 key（IP 或用戶 ID）
type ScopeKeyInput struct {
	Scope string `path:"scope" enum:"global,user" example:"user" doc:"限流範圍"`
	Key   string `path:"key" minLength:"1" example:"user_123" doc:"IP 或用戶 ID"`
}

type ScopeInput struct {
	Scope string `path:"scope" enum:"global,user" example:"global" doc:"限流範圍"`
}

type BucketStatusResponse struct {
	Body struct {
		Scope  string           `json:"scope" doc:"限流範圍"`
		Key    string           `json:"key" doc:"IP 或用戶 ID"`
		Status ratelimit.Result `json:"status" doc:"目前狀態（不消耗 token）"`
	} `json:"body"`
}

type ResetResponse struct {
	Body struct {
		Message string `json:"message" example:"限流狀態已重置" doc:"操作結果訊息"`
	} `json:"body"`
}

type ClearAllResponse struct {
	Body struct {
		Message string `json:"message" example:"限流狀態已全部清除" doc:"操作結果訊息"`
		Cleared int    `json:"cleared" example:"42" doc:"被清除的 bucket 數量"`
	} `json:"body"`
}

// GetStatsInput 查詢某日的准入統計，預設為今日（UTC）
type GetStatsInput struct {
	Day string `query:"day" pattern:"^[0-9]{4}-[0-9]{2}-[0-9]{2}$" example:"2025-06-01" doc:"日期 YYYY-MM-DD"`
}

type StatsResponse struct {
	Body []service.ScopeSummary `json:"stats"`
}

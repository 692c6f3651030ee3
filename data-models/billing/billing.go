package billing

import "api-marketplace/model"

// DeductInput 扣款請求；用戶 ID 取自已驗證的 token
type DeductInput struct {
	Body struct {
		RequestID  string `json:"requestId" minLength:"1" maxLength:"128" example:"req_01HZX3K9" doc:"冪等鍵，重試時必須相同"`
		APIID      string `json:"apiId" minLength:"1" example:"api_weather" doc:"被呼叫的 API"`
		EndpointID string `json:"endpointId" minLength:"1" example:"ep_forecast" doc:"被呼叫的端點"`
		APIKeyID   string `json:"apiKeyId" minLength:"1" example:"key_123" doc:"使用的 API key"`
		AmountUSDC string `json:"amountUsdc" example:"0.0100000" doc:"扣款金額（USDC，最多 7 位小數）"`
	} `json:"body"`
}

// DeductResponse 扣款結果，HTTP 狀態碼依失敗分類決定
type DeductResponse struct {
	Status int
	Body   model.DeductionResult `json:"result"`
}

// GetDeductionInput 依冪等鍵查詢扣款紀錄
type GetDeductionInput struct {
	RequestID string `path:"requestId" minLength:"1" maxLength:"128" example:"req_01HZX3K9" doc:"冪等鍵"`
}

type UsageEventResponse struct {
	Body *model.UsageEvent `json:"usage_event"`
}

package middleware

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

// requestInfo 由最外層的觀測中介軟體建立，驗證與限流在內層填入，
// 請求結束後外層再讀出來寫進 metrics 與存取日誌。
// 同一請求的中介軟體在同一個 goroutine 內依序執行，不需要鎖。
type requestInfo struct {
	userID         string
	rateLimitScope string
}

type requestInfoKey struct{}

// withRequestInfo 已有 requestInfo 時沿用，確保外層各中介軟體看到同一份
func withRequestInfo(ctx huma.Context) (huma.Context, *requestInfo) {
	if info := requestInfoFrom(ctx.Context()); info != nil {
		return ctx, info
	}
	info := &requestInfo{}
	return huma.WithValue(ctx, requestInfoKey{}, info), info
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

// 以下方法允許 nil receiver，未掛觀測中介軟體時直接忽略

func (i *requestInfo) setUserID(userID string) {
	if i != nil {
		i.userID = userID
	}
}

func (i *requestInfo) setRateLimitScope(scope string) {
	if i != nil {
		i.rateLimitScope = scope
	}
}

// limitedScopeLabel 未被限流的請求標為 none
func (i *requestInfo) limitedScopeLabel() string {
	if i == nil || i.rateLimitScope == "" {
		return "none"
	}
	return i.rateLimitScope
}

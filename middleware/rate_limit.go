package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"api-marketplace/auth"
	"api-marketplace/infra"
	"api-marketplace/ratelimit"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

// 每用戶限流的身分來源
const (
	IdentitySourceVerified         = "verified"
	IdentitySourceUnverifiedClaims = "unverified_claims"
)

// RateLimitChecker 由 service.RateLimitService 實作
type RateLimitChecker interface {
	CheckGlobalLimit(ip string) ratelimit.Result
	CheckPerUserLimit(userID string) ratelimit.Result
}

type RateLimitMiddleware struct {
	logger            zerolog.Logger
	checker           RateLimitChecker
	identitySource    string
	trustProxyHeaders bool
}

func NewRateLimitMiddleware(logger zerolog.Logger, checker RateLimitChecker, identitySource string, trustProxyHeaders bool) *RateLimitMiddleware {
	if identitySource != IdentitySourceVerified {
		identitySource = IdentitySourceUnverifiedClaims
	}
	return &RateLimitMiddleware{
		logger:            logger.With().Str("module", "rate_limit_middleware").Logger(),
		checker:           checker,
		identitySource:    identitySource,
		trustProxyHeaders: trustProxyHeaders,
	}
}

// Global 以來源 IP 限流，套用在所有路由
func (m *RateLimitMiddleware) Global() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		ip := ratelimit.ClientIP(ctx.RemoteAddr(), ctx.Header("X-Forwarded-For"), ctx.Header("X-Real-IP"), m.trustProxyHeaders)
		res := m.checker.CheckGlobalLimit(ip)
		if !m.admit(ctx, ratelimit.ScopeGlobal, ip, res) {
			return
		}
		next(ctx)
	}
}

// PerUser 以用戶 ID 限流。優先使用已驗證身分；
// identity_source 為 unverified_claims 時，未驗證的請求改讀 token 內的 user_id。
// 取不到用戶 ID 時不套用。
func (m *RateLimitMiddleware) PerUser() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		userID := m.resolveUserID(ctx)
		if userID == "" {
			next(ctx)
			return
		}

		res := m.checker.CheckPerUserLimit(userID)
		if !m.admit(ctx, ratelimit.ScopeUser, userID, res) {
			return
		}
		next(ctx)
	}
}

func (m *RateLimitMiddleware) resolveUserID(ctx huma.Context) string {
	if identity, err := auth.GetIdentityFromContext(ctx.Context()); err == nil {
		return identity.UserID
	}
	if m.identitySource != IdentitySourceUnverifiedClaims {
		return ""
	}

	tokenString, ok := auth.BearerToken(ctx.Header("Authorization"))
	if !ok {
		return ""
	}
	userID, _ := auth.ExtractUnverifiedSubject(tokenString)
	return userID
}

// admit 寫入限流標頭；被拒絕時直接回應 429 並回傳 false
func (m *RateLimitMiddleware) admit(ctx huma.Context, scope ratelimit.Scope, key string, res ratelimit.Result) bool {
	ctx.SetHeader("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	ctx.SetHeader("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if res.Allowed {
		return true
	}

	ctx.SetHeader("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
	requestInfoFrom(ctx.Context()).setRateLimitScope(string(scope))
	AddSpanEvent(ctx, "ratelimit.denied",
		infra.AttrRateLimitScope(string(scope)),
		infra.AttrInt("retry_after_seconds", res.RetryAfterSeconds),
	)
	m.logger.Warn().
		Str("scope", string(scope)).
		Str("key", key).
		Str("path", ctx.URL().Path).
		Int("retry_after_seconds", res.RetryAfterSeconds).
		Msg("請求過於頻繁")

	writeJSON(ctx, http.StatusTooManyRequests, errorBody{
		Status:     http.StatusTooManyRequests,
		Message:    "請求過於頻繁，請稍後再試",
		Detail:     fmt.Sprintf("%s rate limit exceeded", scope),
		RetryAfter: res.RetryAfterSeconds,
	})
	return false
}

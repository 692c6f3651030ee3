package middleware

import (
	"encoding/json"
	"net/http"

	"api-marketplace/auth"
	"api-marketplace/infra"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

type DeveloperAuthMiddleware struct {
	logger       zerolog.Logger
	jwtSecretKey string
}

func NewDeveloperAuthMiddleware(logger zerolog.Logger, jwtSecretKey string) *DeveloperAuthMiddleware {
	return &DeveloperAuthMiddleware{
		logger:       logger.With().Str("module", "developer_auth_middleware").Logger(),
		jwtSecretKey: jwtSecretKey,
	}
}

// Auth 驗證 Bearer JWT 並把身分放進 context
func (m *DeveloperAuthMiddleware) Auth() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		authHeader := ctx.Header("Authorization")
		if authHeader == "" {
			writeJSONError(ctx, http.StatusUnauthorized, "缺少授權標頭", "missing authorization header")
			return
		}

		tokenString, ok := auth.BearerToken(authHeader)
		if !ok {
			writeJSONError(ctx, http.StatusUnauthorized, "無效的授權格式", "invalid authorization format")
			return
		}

		claims, err := auth.ValidateJWTToken(tokenString, m.jwtSecretKey)
		if err != nil {
			m.logger.Debug().Err(err).Str("remote_addr", ctx.RemoteAddr()).Msg("JWT 驗證失敗")
			writeJSONError(ctx, http.StatusUnauthorized, "無效的token", err.Error())
			return
		}

		identity, err := auth.IdentityFromClaims(claims)
		if err != nil {
			writeJSONError(ctx, http.StatusUnauthorized, "token中缺少用戶ID", err.Error())
			return
		}

		SetSpanAttributes(ctx, infra.AttrUserID(identity.UserID))
		requestInfoFrom(ctx.Context()).setUserID(identity.UserID)
		next(huma.WithContext(ctx, auth.WithIdentity(ctx.Context(), identity)))
	}
}

// RequireAdmin 必須放在 Auth 之後
func (m *DeveloperAuthMiddleware) RequireAdmin() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		identity, err := auth.GetIdentityFromContext(ctx.Context())
		if err != nil || !identity.IsAdmin() {
			writeJSONError(ctx, http.StatusForbidden, "需要管理員權限", "admin role required")
			return
		}
		next(ctx)
	}
}

type errorBody struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	Detail     string `json:"detail"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSONError(ctx huma.Context, status int, message, detail string) {
	writeJSON(ctx, status, errorBody{Status: status, Message: message, Detail: detail})
}

func writeJSON(ctx huma.Context, status int, body any) {
	raw, _ := json.Marshal(body)
	ctx.SetHeader("Content-Type", "application/json")
	ctx.SetStatus(status)
	ctx.BodyWriter().Write(raw)
}

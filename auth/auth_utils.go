package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var (
	ErrIdentityNotFound = errors.New("identity not found in context")
	ErrInvalidIdentity  = errors.New("invalid identity type in context")
)

// JWT 驗證相關的通用錯誤
var (
	ErrInvalidToken            = errors.New("invalid token")
	ErrMissingUserID           = errors.New("missing user_id in token")
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method")
)

type identityKey struct{}

// Identity 已驗證的開發者身分
type Identity struct {
	UserID string
	Role   string
}

func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func GetIdentityFromContext(ctx context.Context) (*Identity, error) {
	value := ctx.Value(identityKey{})
	if value == nil {
		return nil, ErrIdentityNotFound
	}

	identity, ok := value.(*Identity)
	if !ok {
		return nil, ErrInvalidIdentity
	}
	return identity, nil
}

// BearerToken 從 Authorization header 取出 token
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ValidateJWTToken 通用的 JWT token 驗證函數（HMAC，含 exp 檢查）
func ValidateJWTToken(tokenString string, jwtSecretKey string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnexpectedSigningMethod
		}
		return []byte(jwtSecretKey), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IdentityFromClaims 取 user_id，沒有時退回 sub
func IdentityFromClaims(claims jwt.MapClaims) (*Identity, error) {
	userID := subjectFromClaims(claims)
	if userID == "" {
		return nil, ErrMissingUserID
	}
	role, _ := claims["role"].(string)
	return &Identity{UserID: userID, Role: role}, nil
}

// ExtractUnverifiedSubject 不驗證簽章直接讀取 token 內的用戶 ID。
// 只能作為限流分桶的依據，不可用於授權：任何人都能偽造這個值。
func ExtractUnverifiedSubject(tokenString string) (string, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", false
	}
	userID := subjectFromClaims(claims)
	return userID, userID != ""
}

func subjectFromClaims(claims jwt.MapClaims) string {
	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	return ""
}

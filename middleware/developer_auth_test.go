package middleware

import (
	"context"
	"net/http"
	"testing"
	"time"

	"api-marketplace/auth"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

type whoAmIOutput struct {
	Body struct {
		UserID string `json:"userId"`
	}
}

func registerWhoAmI(api huma.API, path string, middlewares huma.Middlewares) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami" + path,
		Method:      http.MethodGet,
		Path:        path,
		Middlewares: middlewares,
	}, func(ctx context.Context, _ *struct{}) (*whoAmIOutput, error) {
		out := &whoAmIOutput{}
		if identity, err := auth.GetIdentityFromContext(ctx); err == nil {
			out.Body.UserID = identity.UserID
		}
		return out, nil
	})
}

func TestDeveloperAuth(t *testing.T) {
	_, api := humatest.New(t)
	m := NewDeveloperAuthMiddleware(zerolog.Nop(), testSecret)
	registerWhoAmI(api, "/me", huma.Middlewares{m.Auth()})
	registerWhoAmI(api, "/admin", huma.Middlewares{m.Auth(), m.RequireAdmin()})

	exp := time.Now().Add(time.Hour).Unix()
	developer := signToken(t, testSecret, jwt.MapClaims{"user_id": "dev-1", "exp": exp})
	admin := signToken(t, testSecret, jwt.MapClaims{"user_id": "admin-1", "role": auth.RoleAdmin, "exp": exp})
	forged := signToken(t, "attacker", jwt.MapClaims{"user_id": "admin-1", "role": auth.RoleAdmin, "exp": exp})
	noUser := signToken(t, testSecret, jwt.MapClaims{"exp": exp})

	cases := []struct {
		name   string
		path   string
		header []any
		want   int
	}{
		{"缺少標頭", "/me", nil, http.StatusUnauthorized},
		{"格式錯誤", "/me", []any{"Authorization: Token " + developer}, http.StatusUnauthorized},
		{"簽章錯誤", "/me", []any{"Authorization: Bearer " + forged}, http.StatusUnauthorized},
		{"缺少用戶ID", "/me", []any{"Authorization: Bearer " + noUser}, http.StatusUnauthorized},
		{"開發者", "/me", []any{"Authorization: Bearer " + developer}, http.StatusOK},
		{"開發者存取管理端", "/admin", []any{"Authorization: Bearer " + developer}, http.StatusForbidden},
		{"管理員", "/admin", []any{"Authorization: Bearer " + admin}, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.Get(tc.path, tc.header...)
			if resp.Code != tc.want {
				t.Fatalf("status = %d, want %d, body = %s", resp.Code, tc.want, resp.Body.String())
			}
		})
	}
}

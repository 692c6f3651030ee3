package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"api-marketplace/ratelimit"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// limiterChecker 用真實的 token bucket，並記錄每次被查詢的 key
type limiterChecker struct {
	global  *ratelimit.TokenBucketLimiter
	perUser *ratelimit.TokenBucketLimiter

	mu       sync.Mutex
	userKeys []string
}

func newLimiterChecker(t *testing.T, globalMax, userMax int) *limiterChecker {
	t.Helper()
	global, err := ratelimit.New(ratelimit.Config{WindowMs: 60000, MaxRequests: globalMax})
	if err != nil {
		t.Fatal(err)
	}
	perUser, err := ratelimit.New(ratelimit.Config{WindowMs: 60000, MaxRequests: userMax})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		global.Destroy()
		perUser.Destroy()
	})
	return &limiterChecker{global: global, perUser: perUser}
}

func (c *limiterChecker) CheckGlobalLimit(ip string) ratelimit.Result {
	return c.global.Check(ip)
}

func (c *limiterChecker) CheckPerUserLimit(userID string) ratelimit.Result {
	c.mu.Lock()
	c.userKeys = append(c.userKeys, userID)
	c.mu.Unlock()
	return c.perUser.Check(userID)
}

func (c *limiterChecker) UserKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.userKeys...)
}

func TestGlobalRateLimitRejectsWithHeaders(t *testing.T) {
	_, api := humatest.New(t)
	checker := newLimiterChecker(t, 2, 10)
	m := NewRateLimitMiddleware(zerolog.Nop(), checker, IdentitySourceVerified, false)
	registerWhoAmI(api, "/ping", huma.Middlewares{m.Global()})

	for i := 0; i < 2; i++ {
		resp := api.Get("/ping")
		if resp.Code != http.StatusOK {
			t.Fatalf("第 %d 次 status = %d", i+1, resp.Code)
		}
		if got := resp.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Fatalf("X-RateLimit-Limit = %q", got)
		}
	}

	resp := api.Get("/ping")
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.Code)
	}
	if got := resp.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", got)
	}
	if got := resp.Header().Get("Retry-After"); got == "" || got == "0" {
		t.Errorf("Retry-After = %q", got)
	}

	var body errorBody
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != http.StatusTooManyRequests || body.RetryAfter < 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestPerUserRateLimitIdentitySources(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	unsigned := signToken(t, "unknown-key", jwt.MapClaims{"user_id": "claimed-user", "exp": exp})
	signed := signToken(t, testSecret, jwt.MapClaims{"user_id": "real-user", "exp": exp})

	t.Run("未驗證宣告", func(t *testing.T) {
		_, api := humatest.New(t)
		checker := newLimiterChecker(t, 100, 1)
		m := NewRateLimitMiddleware(zerolog.Nop(), checker, IdentitySourceUnverifiedClaims, false)
		registerWhoAmI(api, "/calls", huma.Middlewares{m.PerUser()})

		if resp := api.Get("/calls", "Authorization: Bearer "+unsigned); resp.Code != http.StatusOK {
			t.Fatalf("status = %d", resp.Code)
		}
		if resp := api.Get("/calls", "Authorization: Bearer "+unsigned); resp.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", resp.Code)
		}
		if keys := checker.UserKeys(); len(keys) != 2 || keys[0] != "claimed-user" {
			t.Fatalf("keys = %v", keys)
		}
	})

	t.Run("只信任已驗證身分", func(t *testing.T) {
		_, api := humatest.New(t)
		checker := newLimiterChecker(t, 100, 1)
		m := NewRateLimitMiddleware(zerolog.Nop(), checker, IdentitySourceVerified, false)
		registerWhoAmI(api, "/calls", huma.Middlewares{m.PerUser()})

		for i := 0; i < 3; i++ {
			if resp := api.Get("/calls", "Authorization: Bearer "+unsigned); resp.Code != http.StatusOK {
				t.Fatalf("status = %d", resp.Code)
			}
		}
		if keys := checker.UserKeys(); len(keys) != 0 {
			t.Fatalf("未驗證的 token 不應計入, keys = %v", keys)
		}
	})

	t.Run("驗證後優先使用身分", func(t *testing.T) {
		_, api := humatest.New(t)
		checker := newLimiterChecker(t, 100, 5)
		authMiddleware := NewDeveloperAuthMiddleware(zerolog.Nop(), testSecret)
		m := NewRateLimitMiddleware(zerolog.Nop(), checker, IdentitySourceUnverifiedClaims, false)
		registerWhoAmI(api, "/calls", huma.Middlewares{authMiddleware.Auth(), m.PerUser()})

		resp := api.Get("/calls", "Authorization: Bearer "+signed)
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d", resp.Code)
		}
		if keys := checker.UserKeys(); len(keys) != 1 || keys[0] != "real-user" {
			t.Fatalf("keys = %v", keys)
		}
		if got := resp.Header().Get("X-RateLimit-Remaining"); got != "4" {
			t.Errorf("X-RateLimit-Remaining = %q", got)
		}
	})

	t.Run("沒有 token 時不套用", func(t *testing.T) {
		_, api := humatest.New(t)
		checker := newLimiterChecker(t, 100, 1)
		m := NewRateLimitMiddleware(zerolog.Nop(), checker, IdentitySourceUnverifiedClaims, false)
		registerWhoAmI(api, "/calls", huma.Middlewares{m.PerUser()})

		for i := 0; i < 3; i++ {
			if resp := api.Get("/calls"); resp.Code != http.StatusOK {
				t.Fatalf("status = %d", resp.Code)
			}
		}
	})
}

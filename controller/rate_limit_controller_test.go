package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"api-marketplace/auth"
	"api-marketplace/middleware"
	"api-marketplace/ratelimit"
	"api-marketplace/service"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/rs/zerolog"
)

func newRateLimitTestAPI(t *testing.T) (humatest.TestAPI, *service.RateLimitService) {
	t.Helper()
	svc, err := service.NewRateLimitService(zerolog.Nop(),
		ratelimit.Config{WindowMs: 60000, MaxRequests: 5},
		ratelimit.Config{WindowMs: 60000, MaxRequests: 2},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Destroy)

	_, api := humatest.New(t)
	authMiddleware := middleware.NewDeveloperAuthMiddleware(zerolog.Nop(), testSecret)
	NewRateLimitController(zerolog.Nop(), svc, authMiddleware).RegisterRoutes(api)
	return api, svc
}

func TestRateLimitAdminRequiresAdmin(t *testing.T) {
	api, _ := newRateLimitTestAPI(t)

	if resp := api.Get("/admin/rate-limits/stats", bearer(t, "dev-1", "")); resp.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.Code)
	}
	if resp := api.Delete("/admin/rate-limits/user", bearer(t, "dev-1", "")); resp.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.Code)
	}
}

func TestRateLimitAdminPeekAndReset(t *testing.T) {
	api, svc := newRateLimitTestAPI(t)
	admin := bearer(t, "ops", auth.RoleAdmin)

	svc.CheckPerUserLimit("dev-1")
	svc.CheckPerUserLimit("dev-1")

	resp := api.Get("/admin/rate-limits/user/dev-1", admin)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}
	var peek struct {
		Status ratelimit.Result `json:"status"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &peek); err != nil {
		t.Fatal(err)
	}
	if peek.Status.Allowed || peek.Status.Remaining != 0 || peek.Status.Limit != 2 {
		t.Fatalf("peek = %+v", peek.Status)
	}

	if resp := api.Delete("/admin/rate-limits/user/dev-1", admin); resp.Code != http.StatusOK {
		t.Fatalf("reset status = %d", resp.Code)
	}
	if !svc.CheckPerUserLimit("dev-1").Allowed {
		t.Fatal("重置後應允許")
	}

	if resp := api.Get("/admin/rate-limits/tenant/dev-1", admin); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("未知範圍 status = %d, want 422", resp.Code)
	}
}

func TestRateLimitAdminClearAllAndStats(t *testing.T) {
	api, svc := newRateLimitTestAPI(t)
	admin := bearer(t, "ops", auth.RoleAdmin)

	svc.CheckGlobalLimit("10.0.0.1")
	svc.CheckGlobalLimit("10.0.0.2")

	resp := api.Delete("/admin/rate-limits/global", admin)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	var cleared struct {
		Cleared int `json:"cleared"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &cleared); err != nil {
		t.Fatal(err)
	}
	if cleared.Cleared != 2 {
		t.Fatalf("cleared = %d, want 2", cleared.Cleared)
	}

	resp = api.Get("/admin/rate-limits/stats?day="+time.Now().UTC().Format(time.DateOnly), admin)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}
	var stats []service.ScopeSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 || stats[0].Today.Allowed != 2 || stats[0].ActiveBuckets != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

type fakeStatsReader struct {
	groupBy string
}

func (f *fakeStatsReader) GetUsageStats(_ context.Context, groupBy string) ([]service.StatsResult, error) {
	f.groupBy = groupBy
	return []service.StatsResult{{ID: "api-1", Count: 3, TotalAmount: "0.0300000"}}, nil
}

func TestAPIUsageStats(t *testing.T) {
	_, api := humatest.New(t)
	reader := &fakeStatsReader{}
	authMiddleware := middleware.NewDeveloperAuthMiddleware(zerolog.Nop(), testSecret)
	NewAPIUsageLogController(zerolog.Nop(), reader, authMiddleware).RegisterRoutes(api)
	admin := bearer(t, "ops", auth.RoleAdmin)

	resp := api.Get("/api-usage-logs/stats", admin)
	if resp.Code != http.StatusOK || reader.groupBy != "api_id" {
		t.Fatalf("status = %d, group_by = %q", resp.Code, reader.groupBy)
	}
	if resp := api.Get("/api-usage-logs/stats?group_by=fleet", admin); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("無效群組 status = %d, want 422", resp.Code)
	}
}

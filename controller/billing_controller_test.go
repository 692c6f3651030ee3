package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"api-marketplace/auth"
	"api-marketplace/infra"
	"api-marketplace/middleware"
	"api-marketplace/model"
	"api-marketplace/ratelimit"
	"api-marketplace/service"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

func bearer(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return "Authorization: Bearer " + token
}

type allowAll struct{}

func (allowAll) CheckGlobalLimit(string) ratelimit.Result {
	return ratelimit.Result{Allowed: true, Remaining: 99, Limit: 100}
}

func (allowAll) CheckPerUserLimit(string) ratelimit.Result {
	return ratelimit.Result{Allowed: true, Remaining: 99, Limit: 100}
}

type fakeDeducter struct {
	mu       sync.Mutex
	result   model.DeductionResult
	requests []model.DeductionRequest
	events   map[string]*model.UsageEvent
	getErr   error
}

func (f *fakeDeducter) Deduct(_ context.Context, req model.DeductionRequest) model.DeductionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result
}

func (f *fakeDeducter) GetByIdempotencyKey(_ context.Context, requestID string) (*model.UsageEvent, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.events[requestID], nil
}

func newBillingTestAPI(t *testing.T, deducter *fakeDeducter) humatest.TestAPI {
	t.Helper()
	_, api := humatest.New(t)
	authMiddleware := middleware.NewDeveloperAuthMiddleware(zerolog.Nop(), testSecret)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(zerolog.Nop(), allowAll{}, middleware.IdentitySourceVerified, false)
	NewBillingController(zerolog.Nop(), deducter, authMiddleware, rateLimitMiddleware).RegisterRoutes(api)
	return api
}

func deductBody() map[string]any {
	return map[string]any{
		"requestId":  "req-1",
		"apiId":      "api-1",
		"endpointId": "ep-1",
		"apiKeyId":   "key-1",
		"amountUsdc": "0.01",
	}
}

func TestCreateDeductionUsesTokenIdentity(t *testing.T) {
	deducter := &fakeDeducter{result: model.DeductionResult{Success: true, UsageEventID: "evt-1", StellarTxHash: "tx-1"}}
	api := newBillingTestAPI(t, deducter)

	resp := api.Post("/billing/deductions", bearer(t, "dev-1", ""), deductBody())
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}

	var result model.DeductionResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.UsageEventID != "evt-1" || result.StellarTxHash != "tx-1" {
		t.Fatalf("result = %+v", result)
	}
	if len(deducter.requests) != 1 || deducter.requests[0].UserID != "dev-1" || deducter.requests[0].AmountUSDC != "0.01" {
		t.Fatalf("requests = %+v", deducter.requests)
	}
}

func TestCreateDeductionStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		result model.DeductionResult
		want   int
	}{
		{"重複請求", model.DeductionResult{Success: true, AlreadyProcessed: true, UsageEventID: "evt-1"}, http.StatusOK},
		{"無效請求", model.DeductionResult{ErrorCode: model.DeductionErrorInvalidRequest}, http.StatusUnprocessableEntity},
		{"帳本拒絕", model.DeductionResult{ErrorCode: model.DeductionErrorLedgerRejected}, http.StatusPaymentRequired},
		{"帳本不可用", model.DeductionResult{ErrorCode: model.DeductionErrorLedgerUnavailable}, http.StatusServiceUnavailable},
		{"帳本逾時", model.DeductionResult{ErrorCode: model.DeductionErrorLedgerTimeout}, http.StatusGatewayTimeout},
		{"儲存不可用", model.DeductionResult{ErrorCode: model.DeductionErrorStoreUnavailable}, http.StatusServiceUnavailable},
		{"並行請求", model.DeductionResult{ErrorCode: model.DeductionErrorConcurrent}, http.StatusConflict},
		{"冪等鍵屬於其他用戶", model.DeductionResult{ErrorCode: model.DeductionErrorKeyConflict, Error: "idempotency key belongs to another user"}, http.StatusConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newBillingTestAPI(t, &fakeDeducter{result: tc.result})
			resp := api.Post("/billing/deductions", bearer(t, "dev-1", ""), deductBody())
			if resp.Code != tc.want {
				t.Fatalf("status = %d, want %d", resp.Code, tc.want)
			}
		})
	}
}

func TestCreateDeductionRequiresAuth(t *testing.T) {
	deducter := &fakeDeducter{result: model.DeductionResult{Success: true}}
	api := newBillingTestAPI(t, deducter)

	if resp := api.Post("/billing/deductions", deductBody()); resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}
	if len(deducter.requests) != 0 {
		t.Fatal("未驗證的請求不應扣款")
	}
}

func TestGetDeduction(t *testing.T) {
	hash := "tx-1"
	deducter := &fakeDeducter{events: map[string]*model.UsageEvent{
		"req-1": {ID: "evt-1", RequestID: "req-1", UserID: "dev-1", AmountUSDC: "0.0100000", StellarTxHash: &hash},
	}}
	api := newBillingTestAPI(t, deducter)

	resp := api.Get("/billing/deductions/req-1", bearer(t, "dev-1", ""))
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}
	var event model.UsageEvent
	if err := json.Unmarshal(resp.Body.Bytes(), &event); err != nil {
		t.Fatal(err)
	}
	if event.ID != "evt-1" || event.TxHash() != "tx-1" {
		t.Fatalf("event = %+v", event)
	}

	if resp := api.Get("/billing/deductions/missing", bearer(t, "dev-1", "")); resp.Code != http.StatusNotFound {
		t.Errorf("不存在 status = %d, want 404", resp.Code)
	}
	if resp := api.Get("/billing/deductions/req-1", bearer(t, "dev-2", "")); resp.Code != http.StatusNotFound {
		t.Errorf("他人紀錄 status = %d, want 404", resp.Code)
	}
	if resp := api.Get("/billing/deductions/req-1", bearer(t, "ops", auth.RoleAdmin)); resp.Code != http.StatusOK {
		t.Errorf("管理員 status = %d, want 200", resp.Code)
	}
}

type countingLedger struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLedger) DeductBalance(context.Context, string, string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return fmt.Sprintf("tx-%d", l.calls), nil
}

func TestCreateDeductionRejectsKeyOfAnotherUser(t *testing.T) {
	db, err := infra.NewSQLite(infra.SQLiteConfig{Path: filepath.Join(t.TempDir(), "billing.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ledger := &countingLedger{}
	svc := service.NewBillingDeductionService(zerolog.Nop(), service.NewSQLiteDeductionStore(db), ledger, time.Second)

	_, api := humatest.New(t)
	authMiddleware := middleware.NewDeveloperAuthMiddleware(zerolog.Nop(), testSecret)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(zerolog.Nop(), allowAll{}, middleware.IdentitySourceVerified, false)
	NewBillingController(zerolog.Nop(), svc, authMiddleware, rateLimitMiddleware).RegisterRoutes(api)

	body := deductBody()
	body["requestId"] = "shared-key"
	if resp := api.Post("/billing/deductions", bearer(t, "alice", ""), body); resp.Code != http.StatusOK {
		t.Fatalf("alice status = %d, body = %s", resp.Code, resp.Body.String())
	}

	body["amountUsdc"] = "5"
	resp := api.Post("/billing/deductions", bearer(t, "mallory", ""), body)
	if resp.Code != http.StatusConflict {
		t.Fatalf("mallory status = %d, want 409, body = %s", resp.Code, resp.Body.String())
	}

	var result model.DeductionResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.ErrorCode != model.DeductionErrorKeyConflict || result.StellarTxHash != "" || result.UsageEventID != "" {
		t.Fatalf("result = %+v", result)
	}
	if ledger.calls != 1 {
		t.Fatalf("ledger calls = %d, want 1", ledger.calls)
	}
}

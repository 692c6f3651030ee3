package infra

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestSoroban(t *testing.T, handler http.HandlerFunc) *SorobanClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewSorobanClient(SorobanConfig{BaseURL: server.URL + "/", APIKey: "secret", Timeout: 5 * time.Second})
}

func TestSorobanDeductBalance(t *testing.T) {
	client := newTestSoroban(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vault/deduct" || r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req deductRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payer != "u1" || req.Amount != "0.0100000" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(deductResponse{TxHash: "tx-abc"})
	})

	hash, err := client.DeductBalance(context.Background(), "u1", "0.0100000")
	if err != nil || hash != "tx-abc" {
		t.Fatalf("hash = %q, err = %v", hash, err)
	}
}

func TestSorobanClassifiesFailures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"餘額不足", http.StatusPaymentRequired, `{"error":"insufficient balance"}`, ErrLedgerRejected},
		{"重新導向", http.StatusFound, ``, ErrLedgerRejected},
		{"空雜湊", http.StatusOK, `{"tx_hash":""}`, ErrLedgerRejected},
		{"非 JSON 回應", http.StatusOK, `<html>ok</html>`, ErrLedgerRejected},
		{"伺服器錯誤", http.StatusBadGateway, `upstream down`, ErrLedgerUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestSoroban(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			if _, err := client.DeductBalance(context.Background(), "u1", "1.0000000"); !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestSorobanReportsUndecodableBody(t *testing.T) {
	client := newTestSoroban(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx_hash":`))
	})
	_, err := client.DeductBalance(context.Background(), "u1", "1.0000000")
	if !errors.Is(err, ErrLedgerRejected) || !strings.Contains(err.Error(), "undecodable response body") {
		t.Fatalf("err = %v, want undecodable body rejection", err)
	}
}

func TestSorobanTimeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestSoroban(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.DeductBalance(ctx, "u1", "1.0000000"); !errors.Is(err, ErrLedgerTimeout) {
		t.Fatalf("err = %v, want ErrLedgerTimeout", err)
	}
}

func TestSorobanUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewSorobanClient(SorobanConfig{BaseURL: url, Timeout: time.Second})
	if _, err := client.DeductBalance(context.Background(), "u1", "1.0000000"); !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}
}

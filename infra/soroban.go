package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	ErrLedgerRejected    = errors.New("ledger rejected deduction")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrLedgerTimeout     = errors.New("ledger call timed out")
)

type SorobanConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxInFlight int
}

// SorobanClient 呼叫 Soroban vault gateway 從用戶 vault 扣除 USDC
type SorobanClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	slots      chan struct{}
}

func NewSorobanClient(config SorobanConfig) *SorobanClient {
	maxInFlight := config.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	// 3xx 視為拒絕，不跟隨
	httpClient := &http.Client{
		Timeout:       config.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return &SorobanClient{
		BaseURL:    strings.TrimRight(config.BaseURL, "/"),
		APIKey:     config.APIKey,
		HTTPClient: httpClient,
		slots:      make(chan struct{}, maxInFlight),
	}
}

type deductRequest struct {
	Payer  string `json:"payer"`
	Amount string `json:"amount"`
}

type deductResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

// DeductBalance 扣除 payer 的餘額並回傳交易雜湊
func (c *SorobanClient) DeductBalance(ctx context.Context, payerID, amount string) (string, error) {
	// 限制同時進行中的帳本呼叫數量
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return "", classifyContextErr(ctx.Err())
	}

	body, err := json.Marshal(deductRequest{Payer: payerID, Amount: amount})
	if err != nil {
		return "", fmt.Errorf("marshal deduct request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/vault/deduct", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrLedgerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", classifyContextErr(ctx.Err())
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("%w: %v", ErrLedgerTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrLedgerUnavailable, err)
	}

	var out deductResponse
	decodeErr := json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d: %s", ErrLedgerUnavailable, resp.StatusCode, responseMessage(out, raw))
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: status %d: %s", ErrLedgerRejected, resp.StatusCode, responseMessage(out, raw))
	case decodeErr != nil:
		return "", fmt.Errorf("%w: undecodable response body: %v", ErrLedgerRejected, decodeErr)
	case out.TxHash == "":
		return "", fmt.Errorf("%w: empty transaction hash", ErrLedgerRejected)
	}

	return out.TxHash, nil
}

func classifyContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrLedgerTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}

func responseMessage(out deductResponse, raw []byte) string {
	if out.Error != "" {
		return out.Error
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

package loyalty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

// ErrPermanent marks ledger rejections that retrying cannot fix.
var ErrPermanent = errors.New("loyalty ledger rejected deduction")

// Client implements interfaces.LoyaltyLedger against the points service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type deductRequest struct {
	UserID  int64  `json:"user_id"`
	Points  int64  `json:"points"`
	OrderID string `json:"order_id"`
}

func (c *Client) DeductPoints(ctx context.Context, userID, points int64, orderID string) (*models.RedemptionResult, error) {
	body, err := json.Marshal(deductRequest{UserID: userID, Points: points, OrderID: orderID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/points/deduct", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Idempotency-Key", fmt.Sprintf("redeem-%s-%d", orderID, userID))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("loyalty ledger %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %d %s", ErrPermanent, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result models.RedemptionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode deduction result: %w", err)
	}
	if !result.Success {
		return &result, fmt.Errorf("%w: order %s", ErrPermanent, orderID)
	}
	return &result, nil
}

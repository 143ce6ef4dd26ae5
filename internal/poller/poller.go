// Package poller is the client side of the completion status endpoint:
// it polls with bounded exponential backoff and gives up with
// ErrEscalateToSupport once the attempt ceiling is reached.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

// ErrEscalateToSupport means the payment may be confirmed but no order
// appeared within the attempt ceiling.
var ErrEscalateToSupport = errors.New("order not ready after maximum attempts, contact support")

// TerminalError is a non-retriable answer from the status endpoint.
type TerminalError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *TerminalError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

type Outcome struct {
	Ready            bool   `json:"ready"`
	Status           string `json:"status"`
	OrderID          string `json:"order_id"`
	StagingID        string `json:"staging_id"`
	PaymentReference string `json:"payment_reference"`
	AlreadyExists    bool   `json:"already_exists"`
	Error            string `json:"error"`
	Code             string `json:"code"`
}

type Options struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Wait is passed to the server as a long-poll bound per attempt.
	Wait time.Duration
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	opts    Options
}

func NewClient(baseURL, bearerToken string, opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = time.Second
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   bearerToken,
		http:    &http.Client{Timeout: opts.Wait + 15*time.Second},
		opts:    opts,
	}
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)
}

// WaitForOrder polls until the order is ready, a terminal answer arrives
// or the attempts run out.
func (c *Client) WaitForOrder(ctx context.Context, rail, paymentReference string) (*Outcome, error) {
	log := telemetry.Logger.With(
		zap.String("rail", rail),
		zap.String("payment_reference", paymentReference),
	)

	attempt := 0
	var last *Outcome
	op := func() error {
		attempt++
		out, err := c.check(ctx, rail, paymentReference)
		if err != nil {
			var te *TerminalError
			if errors.As(err, &te) {
				return backoff.Permanent(err)
			}
			log.Warn("Status poll failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		last = out
		if !out.Ready {
			log.Debug("Order not ready", zap.Int("attempt", attempt))
			return errNotReady
		}
		return nil
	}

	err := backoff.Retry(op, c.newBackOff(ctx))
	if err == nil {
		return last, nil
	}
	var te *TerminalError
	if errors.As(err, &te) {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log.Error("Order not ready, escalating", zap.Int("attempts", attempt), zap.Error(err))
	return last, ErrEscalateToSupport
}

var errNotReady = errors.New("order not ready")

func (c *Client) check(ctx context.Context, rail, paymentReference string) (*Outcome, error) {
	u := fmt.Sprintf("%s/payments/%s/%s/status", c.baseURL, url.PathEscape(rail), url.PathEscape(paymentReference))
	if c.opts.Wait > 0 {
		u += "?wait=" + url.QueryEscape(c.opts.Wait.String())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return &out, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, out.Error)
	default:
		return nil, &TerminalError{StatusCode: resp.StatusCode, Message: out.Error, Code: out.Code}
	}
}

// Package backend talks to the commerce backend-of-record over its REST
// orders API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

var ErrOrderRejected = errors.New("backend rejected order")

// Client implements interfaces.OrderBackend.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	http           *http.Client
}

func NewClient(baseURL, consumerKey, consumerSecret string) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		http:           &http.Client{Timeout: 15 * time.Second},
	}
}

type orderRequest struct {
	models.OrderDraft
	Status        string `json:"status,omitempty"`
	SetPaid       bool   `json:"set_paid"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type metaResponse struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type orderResponse struct {
	ID          int64          `json:"id"`
	Status      string         `json:"status"`
	Total       string         `json:"total"`
	DateCreated string         `json:"date_created_gmt"`
	MetaData    []metaResponse `json:"meta_data"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) CreateOrder(ctx context.Context, draft models.OrderDraft) (*models.MaterializedOrder, error) {
	req := orderRequest{
		OrderDraft:    draft,
		Status:        "processing",
		SetPaid:       true,
		TransactionID: draft.Meta(models.MetaPaymentReference),
	}
	var out orderResponse
	if err := c.do(ctx, http.MethodPost, "/orders", nil, req, &out); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return out.toModel(), nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*models.MaterializedOrder, error) {
	var out orderResponse
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return out.toModel(), nil
}

func (c *Client) UpdateOrder(ctx context.Context, orderID string, patch models.OrderPatch) (*models.MaterializedOrder, error) {
	var out orderResponse
	if err := c.do(ctx, http.MethodPut, "/orders/"+url.PathEscape(orderID), nil, patch, &out); err != nil {
		return nil, fmt.Errorf("update order %s: %w", orderID, err)
	}
	return out.toModel(), nil
}

func (c *Client) ListRecentOrders(ctx context.Context, filter models.RecentOrdersFilter) ([]models.MaterializedOrder, error) {
	q := url.Values{}
	if !filter.After.IsZero() {
		q.Set("after", filter.After.UTC().Format(time.RFC3339))
	}
	if filter.CustomerID > 0 {
		q.Set("customer", strconv.FormatInt(filter.CustomerID, 10))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q.Set("per_page", strconv.Itoa(limit))
	q.Set("orderby", "date")
	q.Set("order", "desc")

	var out []orderResponse
	if err := c.do(ctx, http.MethodGet, "/orders", q, nil, &out); err != nil {
		return nil, fmt.Errorf("list recent orders: %w", err)
	}
	orders := make([]models.MaterializedOrder, 0, len(out))
	for i := range out {
		orders = append(orders, *out[i].toModel())
	}
	return orders, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w: %s %s", interfaces.ErrOrderNotFound, ErrOrderRejected, e.Code, e.Message)
		}
		if resp.StatusCode < 500 {
			return fmt.Errorf("%w: %d %s %s", ErrOrderRejected, resp.StatusCode, e.Code, e.Message)
		}
		return fmt.Errorf("backend %d: %s", resp.StatusCode, e.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (o *orderResponse) toModel() *models.MaterializedOrder {
	m := &models.MaterializedOrder{
		ID:     strconv.FormatInt(o.ID, 10),
		Status: o.Status,
	}
	if v, err := decimal.NewFromString(o.Total); err == nil {
		m.Total = v
	}
	if t, err := time.Parse("2006-01-02T15:04:05", o.DateCreated); err == nil {
		m.CreatedAt = t.UTC()
	}
	for _, md := range o.MetaData {
		m.MetaData = append(m.MetaData, models.MetaData{Key: md.Key, Value: metaString(md.Value)})
	}
	return m
}

// metaString flattens a meta value; non-string values keep their JSON form.
func metaString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

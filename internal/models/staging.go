package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type StagingStatus string

const (
	StagingPending   StagingStatus = "pending"
	StagingCompleted StagingStatus = "completed"
)

// StagedOrderRecord holds an order draft until a reconciliation path
// consumes it.
type StagedOrderRecord struct {
	ID              string          `json:"id"`
	Rail            Rail            `json:"rail"`
	OrderPayload    OrderDraft      `json:"order_payload"`
	PointsToRedeem  int64           `json:"points_to_redeem"`
	PointsDiscount  decimal.Decimal `json:"points_discount"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	Status          StagingStatus   `json:"status"`
	FinalOrderID    string          `json:"final_order_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func (r *StagedOrderRecord) Completed() bool {
	return r.Status == StagingCompleted
}

// Expired reports whether the record is older than ttl at now.
func (r *StagedOrderRecord) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(r.CreatedAt) > ttl
}

// Completion links a consumed draft to the order it produced.
type Completion struct {
	FinalOrderID     string `json:"final_order_id"`
	PaymentReference string `json:"payment_reference"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order metadata keys written into the backend-of-record.
const (
	MetaPaymentReference = "_payment_reference"
	MetaStagingID        = "_staging_id"
	MetaPaymentRail      = "_payment_rail"
	MetaPointsRedeemed   = "_points_redeemed"
)

type Address struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company,omitempty"`
	Address1  string `json:"address_1"`
	Address2  string `json:"address_2,omitempty"`
	City      string `json:"city"`
	State     string `json:"state,omitempty"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type MetaData struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DepositTerms marks a line item that charges only part of its price upfront.
type DepositTerms struct {
	Upfront   decimal.Decimal `json:"upfront"`
	Remaining decimal.Decimal `json:"remaining"`
	PlanID    string          `json:"plan_id,omitempty"`
}

type LineItem struct {
	ProductID   int64           `json:"product_id"`
	VariationID int64           `json:"variation_id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Quantity    int             `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Total       decimal.Decimal `json:"total"`
	Deposit     *DepositTerms   `json:"deposit,omitempty"`
	MetaData    []MetaData      `json:"meta_data,omitempty"`
}

func (li LineItem) IsDeposit() bool {
	return li.Deposit != nil
}

type ShippingLine struct {
	MethodID    string          `json:"method_id"`
	MethodTitle string          `json:"method_title"`
	Total       decimal.Decimal `json:"total"`
}

type FeeLine struct {
	Name  string          `json:"name"`
	Total decimal.Decimal `json:"total"`
}

type CouponLine struct {
	Code string `json:"code"`
}

// OrderDraft is the not-yet-authoritative order held while payment is pending.
type OrderDraft struct {
	CustomerID         int64          `json:"customer_id"`
	Currency           string         `json:"currency,omitempty"`
	PaymentMethod      string         `json:"payment_method,omitempty"`
	PaymentMethodTitle string         `json:"payment_method_title,omitempty"`
	Billing            Address        `json:"billing"`
	Shipping           Address        `json:"shipping"`
	LineItems          []LineItem     `json:"line_items"`
	ShippingLines      []ShippingLine `json:"shipping_lines,omitempty"`
	FeeLines           []FeeLine      `json:"fee_lines,omitempty"`
	CouponLines        []CouponLine   `json:"coupon_lines,omitempty"`
	CustomerNote       string         `json:"customer_note,omitempty"`
	MetaData           []MetaData     `json:"meta_data,omitempty"`
}

func (d OrderDraft) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, li := range d.LineItems {
		sum = sum.Add(li.Total)
	}
	return sum
}

func (d OrderDraft) ShippingTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, sl := range d.ShippingLines {
		sum = sum.Add(sl.Total)
	}
	return sum
}

func (d OrderDraft) FeesTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, fl := range d.FeeLines {
		sum = sum.Add(fl.Total)
	}
	return sum
}

// SurchargeTotal sums the positive fee lines.
func (d OrderDraft) SurchargeTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, fl := range d.FeeLines {
		if fl.Total.IsPositive() {
			sum = sum.Add(fl.Total)
		}
	}
	return sum
}

// DiscountTotal sums the negative fee lines as a positive amount.
func (d OrderDraft) DiscountTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, fl := range d.FeeLines {
		if fl.Total.IsNegative() {
			sum = sum.Sub(fl.Total)
		}
	}
	return sum
}

// Total is the amount the buyer is charged for the draft.
func (d OrderDraft) Total() decimal.Decimal {
	return d.ItemsTotal().Add(d.ShippingTotal()).Add(d.FeesTotal()).Round(2)
}

func (d OrderDraft) HasInstallmentLineItems() bool {
	for _, li := range d.LineItems {
		if li.IsDeposit() {
			return true
		}
	}
	return false
}

// Meta returns the value of key, or "" when absent.
func (d OrderDraft) Meta(key string) string {
	return lookupMeta(d.MetaData, key)
}

// WithMeta returns a copy of the draft with key set to value.
func (d OrderDraft) WithMeta(key, value string) OrderDraft {
	out := make([]MetaData, 0, len(d.MetaData)+1)
	for _, m := range d.MetaData {
		if m.Key != key {
			out = append(out, m)
		}
	}
	d.MetaData = append(out, MetaData{Key: key, Value: value})
	return d
}

// MaterializedOrder is the authoritative order in the backend-of-record.
type MaterializedOrder struct {
	ID        string
	Status    string
	Total     decimal.Decimal
	MetaData  []MetaData
	CreatedAt time.Time
}

func (o MaterializedOrder) PaymentReference() string {
	return lookupMeta(o.MetaData, MetaPaymentReference)
}

// OrderPatch is a partial update against an existing order.
type OrderPatch struct {
	Status        string     `json:"status,omitempty"`
	SetPaid       bool       `json:"set_paid,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	MetaData      []MetaData `json:"meta_data,omitempty"`
}

// RecentOrdersFilter narrows the last-resort duplicate scan.
type RecentOrdersFilter struct {
	After      time.Time
	CustomerID int64
	Limit      int
}

func lookupMeta(meta []MetaData, key string) string {
	for _, m := range meta {
		if m.Key == key {
			return m.Value
		}
	}
	return ""
}

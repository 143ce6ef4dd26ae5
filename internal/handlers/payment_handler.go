package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/service"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

const maxStatusWait = 25 * time.Second

// CheckoutService is the part of the reconciler the HTTP surface drives.
type CheckoutService interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*service.InitiateResult, error)
	Status(ctx context.Context, rail models.Rail, paymentReference string, wait time.Duration) (*service.Result, error)
	Capture(ctx context.Context, rail models.Rail, paymentReference string) (*service.Result, error)
	CompletePreCreated(ctx context.Context, req service.PreCreatedRequest) (*service.Result, error)
	Recover(ctx context.Context, rail models.Rail, stagingID, paymentReference string) (*service.Result, error)
}

type PaymentHandler struct {
	checkout CheckoutService
}

func NewPaymentHandler(checkout CheckoutService) *PaymentHandler {
	return &PaymentHandler{checkout: checkout}
}

type initiateBody struct {
	Order          models.OrderDraft `json:"order"`
	CustomerEmail  string            `json:"customer_email"`
	PointsToRedeem int64             `json:"points_to_redeem"`
	PointsDiscount decimal.Decimal   `json:"points_discount"`
	PendingOrderID string            `json:"pending_order_id"`
	ChargedTotal   decimal.Decimal   `json:"charged_total"`
}

// Initiate handles POST /payments/:rail/initiate.
func (h *PaymentHandler) Initiate(c *gin.Context) {
	rail, ok := railParam(c)
	if !ok {
		return
	}
	var body initiateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		telemetry.Logger.Warn("Error decoding initiate request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.checkout.Initiate(c.Request.Context(), service.InitiateRequest{
		Rail:           rail,
		BuyerID:        buyerID(c),
		CustomerEmail:  body.CustomerEmail,
		Draft:          body.Order,
		PointsToRedeem: body.PointsToRedeem,
		PointsDiscount: body.PointsDiscount,
		PendingOrderID: body.PendingOrderID,
		ChargedTotal:   body.ChargedTotal,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, initiateResponse(rail, res))
}

func initiateResponse(rail models.Rail, res *service.InitiateResult) gin.H {
	switch rail {
	case models.RailRedirect:
		return gin.H{
			"staging_id":   res.StagingID,
			"session_id":   res.PaymentReference,
			"redirect_url": res.RedirectURL,
		}
	case models.RailPayPal:
		return gin.H{
			"staging_id":      res.StagingID,
			"paypal_order_id": res.PaymentReference,
			"approve_url":     res.RedirectURL,
			"subtotal":        res.Subtotal.StringFixed(2),
			"fee":             res.Fee.StringFixed(2),
			"total":           res.Total.StringFixed(2),
		}
	default:
		return gin.H{
			"staging_id":        res.StagingID,
			"payment_intent_id": res.PaymentReference,
			"client_secret":     res.ClientSecret,
			"requires_action":   res.RequiresAction,
		}
	}
}

// Status handles GET /payments/:rail/:reference/status. A ?wait= duration
// holds a pending answer open until the order lands or the wait lapses.
func (h *PaymentHandler) Status(c *gin.Context) {
	rail, ok := railParam(c)
	if !ok {
		return
	}
	var wait time.Duration
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wait duration"})
			return
		}
		wait = min(d, maxStatusWait)
	}

	res, err := h.checkout.Status(c.Request.Context(), rail, c.Param("reference"), wait)
	if err != nil {
		respondError(c, err)
		return
	}
	respondResult(c, res)
}

// Capture handles POST /payments/:rail/:reference/capture.
func (h *PaymentHandler) Capture(c *gin.Context) {
	rail, ok := railParam(c)
	if !ok {
		return
	}
	res, err := h.checkout.Capture(c.Request.Context(), rail, c.Param("reference"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondResult(c, res)
}

type completeBody struct {
	Rail             models.Rail `json:"rail"`
	OrderID          string      `json:"order_id"`
	PaymentReference string      `json:"payment_reference"`
}

// Complete handles POST /payments/complete for orders created before the
// charge.
func (h *PaymentHandler) Complete(c *gin.Context) {
	var body completeBody
	if err := c.ShouldBindJSON(&body); err != nil || body.OrderID == "" || body.PaymentReference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id and payment_reference are required"})
		return
	}
	if body.Rail == "" {
		body.Rail = models.RailCard
	}
	res, err := h.checkout.CompletePreCreated(c.Request.Context(), service.PreCreatedRequest{
		Rail:             body.Rail,
		OrderID:          body.OrderID,
		PaymentReference: body.PaymentReference,
		Source:           models.SourceFallback,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondResult(c, res)
}

type recoverBody struct {
	Rail             models.Rail `json:"rail"`
	StagingID        string      `json:"staging_id"`
	PaymentReference string      `json:"payment_reference"`
}

// Recover handles POST /payments/recover for operators.
func (h *PaymentHandler) Recover(c *gin.Context) {
	var body recoverBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.checkout.Recover(c.Request.Context(), body.Rail, body.StagingID, body.PaymentReference)
	if err != nil {
		respondError(c, err)
		return
	}
	telemetry.Logger.Info("Checkout recovered by operator",
		zap.String("staging_id", body.StagingID),
		zap.String("payment_reference", body.PaymentReference),
		zap.String("order_id", res.OrderID),
		zap.Bool("already_exists", res.AlreadyExists),
	)
	respondResult(c, res)
}

func respondResult(c *gin.Context, res *service.Result) {
	if !res.Ready() {
		c.JSON(http.StatusAccepted, gin.H{
			"ready":             false,
			"status":            "pending",
			"payment_reference": res.PaymentReference,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ready":             true,
		"order_id":          res.OrderID,
		"staging_id":        res.StagingID,
		"payment_reference": res.PaymentReference,
		"already_exists":    res.AlreadyExists,
	})
}

func railParam(c *gin.Context) (models.Rail, bool) {
	rail, err := models.ParseRail(c.Param("rail"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	}
	return rail, true
}

package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

const maxWebhookBody = 64 << 10

type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, event *models.WebhookEvent) error
}

type WebhookHandler struct {
	verifier  interfaces.WebhookVerifier
	processor WebhookProcessor
}

func NewWebhookHandler(verifier interfaces.WebhookVerifier, processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, processor: processor}
}

// Receive handles POST /webhooks/stripe. Only an unverifiable request is
// refused; processing failures are still acknowledged.
func (h *WebhookHandler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := h.verifier.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		telemetry.Logger.Warn("Rejected webhook", zap.Error(err))
		telemetry.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.processor.HandleWebhook(ctx, event); err != nil {
		telemetry.Logger.Error("Webhook processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

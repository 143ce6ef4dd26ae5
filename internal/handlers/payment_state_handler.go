package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
)

type PaymentStateHandler struct {
	repo interfaces.LifecycleRepository
}

func NewPaymentStateHandler(repo interfaces.LifecycleRepository) *PaymentStateHandler {
	return &PaymentStateHandler{repo: repo}
}

// GetCheckoutState handles GET /checkouts/:staging_id/state.
func (h *PaymentStateHandler) GetCheckoutState(c *gin.Context) {
	stagingID := c.Param("staging_id")

	info, err := h.repo.GetByStagingID(c.Request.Context(), stagingID)
	if errors.Is(err, interfaces.ErrLifecycleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Checkout state not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch checkout state"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"staging_id":        info.StagingID,
		"rail":              info.Rail,
		"payment_reference": info.PaymentReference,
		"state":             info.State,
		"previous_state":    info.PreviousState,
		"order_id":          info.OrderID,
		"created_at":        info.CreatedAt,
		"updated_at":        info.UpdatedAt,
	})
}

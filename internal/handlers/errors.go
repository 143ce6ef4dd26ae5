package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/service"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindAuthorization:
		return http.StatusForbidden
	case service.KindUpstreamVerification:
		return http.StatusPaymentRequired
	case service.KindStagingMissing:
		return http.StatusGone
	case service.KindDownstreamCreation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
		return
	}

	kind := service.KindOf(err)
	status := statusFor(kind)
	body := gin.H{"error": err.Error(), "kind": kind.String()}
	var e *service.Error
	if errors.As(err, &e) && e.Code != "" {
		body["code"] = e.Code
	}
	if status == http.StatusInternalServerError {
		telemetry.Logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}

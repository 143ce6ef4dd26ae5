package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/handlers"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

type RouterConfig struct {
	JWTSecret   []byte
	StatusRPS   float64
	StatusBurst int
}

func NewRouter(
	cfg RouterConfig,
	checkout handlers.CheckoutService,
	webhooks *handlers.WebhookHandler,
	lifecycle interfaces.LifecycleRepository,
	limiter *handlers.IPRateLimiter,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "checkout-reconciler"})
	})

	// Provider notifications are authenticated by signature, not by session.
	if webhooks != nil {
		r.POST("/webhooks/stripe", webhooks.Receive)
	}

	if limiter == nil {
		limiter = handlers.NewIPRateLimiter(cfg.StatusRPS, cfg.StatusBurst)
	}
	paymentHandler := handlers.NewPaymentHandler(checkout)
	stateHandler := handlers.NewPaymentStateHandler(lifecycle)

	authed := r.Group("/", handlers.BuyerAuth(cfg.JWTSecret))
	authed.POST("/payments/:rail/initiate", paymentHandler.Initiate)
	authed.GET("/payments/:rail/:reference/status", limiter.Middleware(), paymentHandler.Status)
	authed.POST("/payments/:rail/:reference/capture", paymentHandler.Capture)
	authed.POST("/payments/complete", paymentHandler.Complete)

	operator := authed.Group("/", handlers.RequireRole(handlers.RoleOperator))
	operator.POST("/payments/recover", paymentHandler.Recover)
	operator.GET("/checkouts/:staging_id/state", stateHandler.GetCheckoutState)

	return r
}

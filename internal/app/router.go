// internal/app/router.go
package app

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	affiliateHandler "zapfy-billing/internal/handlers/affiliate"
	invoiceHandler "zapfy-billing/internal/handlers/invoice"
	planHandler "zapfy-billing/internal/handlers/plan"
	subscriptionHandler "zapfy-billing/internal/handlers/subscription"
	taxdocHandler "zapfy-billing/internal/handlers/taxdoc"
	webhookHandler "zapfy-billing/internal/handlers/webhook"
	wsHandler "zapfy-billing/internal/handlers/websocket"
	"zapfy-billing/internal/middleware"
)

type Handlers struct {
	WebhookHandler      *webhookHandler.WebhookHandler
	SubscriptionHandler *subscriptionHandler.SubscriptionHandler
	InvoiceHandler      *invoiceHandler.InvoiceHandler
	PlanHandler         *planHandler.PlanHandler
	AffiliateHandler    *affiliateHandler.AffiliateHandler
	TaxDocHandler       *taxdocHandler.TaxDocHandler
	WSHandler           *wsHandler.WebSocketHandler
	AuthMiddleware      *middleware.AuthMiddleware
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "version": "1.0.0"})
	})

	// ==================== Provider Webhooks (signature-authenticated) ====================
	api.POST("/webhooks/:rail", h.WebhookHandler.HandleWebhook)

	// ==================== WebSocket Event Stream ====================
	r.GET("/ws", h.AuthMiddleware.Auth(), h.WSHandler.HandleConnection)

	// ==================== Plan Catalog ====================
	plans := api.Group("/plans")
	{
		// Public endpoints - no auth required
		plans.GET("", h.PlanHandler.ListPlans)
		plans.GET("/:code", h.PlanHandler.GetPlan)
	}

	// ==================== Subscriptions ====================
	subscriptions := api.Group("/subscriptions")
	subscriptions.Use(h.AuthMiddleware.Auth())
	{
		subscriptions.POST("/checkout", h.SubscriptionHandler.Checkout)
		subscriptions.GET("", h.SubscriptionHandler.ListByTenant) // ?tenant_id=1
		subscriptions.GET("/:ref", h.SubscriptionHandler.GetSubscription)

		// Lifecycle
		subscriptions.POST("/:ref/cancel", h.SubscriptionHandler.Cancel)
		subscriptions.POST("/:ref/resume", h.SubscriptionHandler.Resume)
		subscriptions.POST("/:ref/change-plan", h.SubscriptionHandler.ChangePlan)
		subscriptions.PUT("/:ref/pause", h.SubscriptionHandler.Pause)
		subscriptions.PUT("/:ref/unpause", h.SubscriptionHandler.Unpause)

		// Ledger views
		subscriptions.GET("/:ref/invoices", h.InvoiceHandler.ListBySubscription)
	}

	// ==================== Invoices ====================
	invoices := api.Group("/invoices")
	invoices.Use(h.AuthMiddleware.Auth())
	{
		invoices.GET("/:ref", h.InvoiceHandler.GetInvoice)
		invoices.GET("/:ref/charges", h.InvoiceHandler.ListCharges)
	}

	// ==================== Affiliates ====================
	affiliates := api.Group("/affiliates")
	affiliates.Use(h.AuthMiddleware.Auth())
	{
		affiliates.GET("/:id/commissions", h.AffiliateHandler.ListCommissions)
		affiliates.GET("/:id/payouts", h.AffiliateHandler.ListPayouts)
	}

	// ==================== ADMIN ROUTES ====================
	admin := api.Group("/admin")
	admin.Use(h.AuthMiddleware.Auth(), h.AuthMiddleware.RequireRole("admin"))
	{
		// Plan catalog management
		adminPlans := admin.Group("/plans")
		{
			adminPlans.POST("", h.PlanHandler.CreatePlan)
			adminPlans.PUT("/:id/deactivate", h.PlanHandler.DeactivatePlan)
		}

		// Affiliate program management
		adminAffiliates := admin.Group("/affiliates")
		{
			adminAffiliates.POST("", h.AffiliateHandler.CreateAffiliate)
			adminAffiliates.PUT("/:id/approve", h.AffiliateHandler.ApproveCommissions)
		}
		adminPayouts := admin.Group("/payouts")
		{
			adminPayouts.POST("", h.AffiliateHandler.CreatePayout)
			adminPayouts.PUT("/:id/disburse", h.AffiliateHandler.MarkPayoutDisbursed)
		}

		// Reconciliation dead letters
		admin.GET("/webhook-events/rejected", h.InvoiceHandler.ListRejectedEvents)

		// Tax document recovery
		adminTaxDocs := admin.Group("/tax-documents")
		{
			adminTaxDocs.GET("/failures", h.TaxDocHandler.ListFailures)
			adminTaxDocs.POST("/:id/retry", h.TaxDocHandler.RetryIssuance)
		}

		admin.GET("/ws/stats", h.WSHandler.GetStats)
	}
}

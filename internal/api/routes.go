// services/lockplane/internal/api/routes.go
package api

import (
	"net/http"

	"example.com/backstage/services/lockplane/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RouteOptions carries the optional middleware collaborators.
type RouteOptions struct {
	RateCounter       WindowCounter
	RequestsPerMinute int
	Observer          HTTPObserver
	MetricsHandler    http.Handler
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, services *core.ServiceRegistry, opts RouteOptions, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	if opts.Observer != nil {
		router.Use(Metrics(opts.Observer))
	}
	router.Use(ErrorHandler(logger))
	router.Use(CORS())

	// Public
	router.GET("/health", handlers.HealthCheck)
	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	v1 := router.Group("/api/v1")
	v1.Use(RateLimiter(opts.RateCounter, opts.RequestsPerMinute, logger))

	// Device agent endpoints, keyed by IMEI
	agent := v1.Group("/agent/:imei")
	{
		agent.GET("/policy", handlers.GetPolicy)
		agent.POST("/heartbeat", handlers.Heartbeat)
	}

	// Loan partner endpoints
	partners := v1.Group("/partners/:partnerId")
	{
		// Webhooks authenticate inside the adapter so the raw body can be verified.
		partners.POST("/webhooks", handlers.PartnerWebhook)
		partners.POST("/loans", PartnerAuthentication(services.Partners), handlers.PartnerFundLoan)
	}

	// Principal endpoints
	authAPI := v1.Group("")
	authAPI.Use(PrincipalAuthentication(services.Auth))
	{
		authAPI.POST("/auth/elevate", RequireRole(core.RoleAdmin, core.RoleSuperAdmin), handlers.Elevate)

		devices := authAPI.Group("/devices")
		{
			devices.POST("", handlers.RegisterDevice)
			devices.GET("/:imei", handlers.GetDevice)
			devices.GET("/:imei/lock-events", handlers.ListLockEvents)
			devices.POST("/:imei/enrollment", handlers.RetryEnrollment)
			devices.POST("/:imei/commands",
				RequireRole(core.RoleAdmin, core.RoleSuperAdmin),
				RequireElevation(services.Auth),
				handlers.ExecuteCommand)
		}

		loans := authAPI.Group("/loans")
		{
			loans.POST("", handlers.CreateLoan)
			loans.POST("/:id/activate", handlers.ActivateLoan)
		}

		authAPI.GET("/wallet", handlers.GetWallet)
		authAPI.GET("/wallet/transactions", handlers.ListTransactions)
		authAPI.GET("/enrollments", handlers.ListEnrollments)
		authAPI.GET("/enrollments/quote", handlers.QuoteEnrollment)

		// Admin endpoints
		admin := authAPI.Group("/admin")
		admin.Use(RequireRole(core.RoleAdmin, core.RoleSuperAdmin))
		{
			admin.POST("/merchants/:merchantId/wallet/credit", handlers.CreditWallet)
			admin.PATCH("/merchants/:merchantId/wallet/status", RequireElevation(services.Auth), handlers.SetWalletStatus)
			admin.POST("/enrollments/:id/refund", RequireElevation(services.Auth), handlers.RefundEnrollment)

			admin.GET("/pricing-tiers", handlers.ListPricingTiers)
			admin.POST("/pricing-tiers", handlers.CreatePricingTier)

			admin.POST("/partners", handlers.CreatePartner)
			admin.POST("/partners/:id/rotate", RequireElevation(services.Auth), handlers.RotatePartnerSecret)
			admin.POST("/partners/:id/deactivate", handlers.DeactivatePartner)

			admin.GET("/reconciliation", handlers.Reconciliation)
		}
	}
}

package main

import (
	"database/sql"
	"net/http"
	"time"

	"loyalty-platform/internal/httpapi"
	"loyalty-platform/internal/rbac"
	"loyalty-platform/internal/webhook"
	"loyalty-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, intake webhook.IntakeHandler, authMW gin.HandlerFunc, db *sql.DB, rdb *redis.Client) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 5*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks (public; authenticated by HMAC signature, not JWT).
	r.POST("/webhooks/:provider_id", intake.Handle)

	// Token issuance.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.POST("/payments", h.CreatePayment)
		v1.POST("/orders/confirm", h.ConfirmOrder)
		v1.GET("/wallet/balance", h.GetWalletBalance)
		v1.GET("/transactions/:transaction_id", h.GetTransaction)

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleFinance, rbac.RoleSuperAdmin))
		{
			admin.POST("/wallets/manual-credit", h.AdminManualCredit)
			admin.POST("/transactions/:transaction_id/refund", h.AdminRefund)
		}

		// Breaker overrides are an operational control, restricted further.
		// The hidden risk_operator role is admitted here on purpose.
		breakers := v1.Group("/admin/breakers")
		breakers.Use(rbac.RequireAnyRole(rbac.RoleSuperAdmin, rbac.RoleRiskOperator))
		{
			breakers.PUT("/:provider_id/override", h.AdminSetBreakerOverride)
			breakers.DELETE("/:provider_id/override", h.AdminClearBreakerOverride)
		}
	}
}

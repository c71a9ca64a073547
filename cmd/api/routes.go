package main

import (
	"database/sql"
	"time"

	"dialer-platform/internal/httpapi"
	"dialer-platform/internal/rbac"
	"dialer-platform/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, db *sql.DB) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public; authenticated by HMAC signature, not JWT).
	r.POST("/webhooks/provider", h.ProviderWebhook)

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		campaigns := v1.Group("/campaigns")
		{
			// read access for every authenticated role
			campaigns.GET("/:id", rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer), h.GetCampaign)
			campaigns.GET("/:id/calls", rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer), h.ListCampaignCalls)
			campaigns.GET("/:id/report", rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer), h.GetCampaignReport)
			campaigns.GET("/:id/calls/export", rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer), h.ExportCampaignCalls)

			// mutations are operator and up
			campaigns.POST("", rbac.RequireAnyRole(rbac.RoleOperator), h.CreateCampaign)
			campaigns.POST("/:id/start", rbac.RequireAnyRole(rbac.RoleOperator), h.StartCampaign)
			campaigns.POST("/:id/stop", rbac.RequireAnyRole(rbac.RoleOperator), h.StopCampaign)
			campaigns.POST("/:id/trigger", rbac.RequireAnyRole(rbac.RoleOperator), h.TriggerCampaign)
		}
	}
}

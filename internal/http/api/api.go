// Package api wires the credit ledger's HTTP surface.
package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/http/api/handlers"
	"github.com/makerstack/creditledger/internal/ledger"
	"github.com/makerstack/creditledger/internal/usage"
)

// RegisterRoutes registers every credit ledger route on the engine.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, engine *ledger.Engine, ingestor *usage.Ingestor) {
	if r == nil || db == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/healthz", healthHandler.Healthz)

	v0 := r.Group("/v0")

	accountHandler := handlers.NewAccountHandler(db, engine)
	v0.POST("/accounts", accountHandler.Create)
	v0.GET("/accounts/:id", accountHandler.Get)
	v0.GET("/accounts/:id/transactions", accountHandler.Transactions)
	v0.GET("/accounts/:id/affordability", accountHandler.Affordability)
	v0.POST("/accounts/:id/deduct", accountHandler.Deduct)
	v0.POST("/accounts/:id/credits", accountHandler.AddCredits)
	v0.POST("/accounts/:id/allocations", accountHandler.GrantAllocation)
	v0.POST("/accounts/:id/sweep-expiry", accountHandler.SweepExpiry)
	v0.POST("/accounts/:id/deployments", accountHandler.RegisterDeployment)

	replenishHandler := handlers.NewReplenishHandler(db)
	v0.GET("/accounts/:id/replenish", replenishHandler.Get)
	v0.PUT("/accounts/:id/replenish", replenishHandler.Put)
	v0.POST("/accounts/:id/replenish/enable", replenishHandler.ReEnable)

	usageHandler := handlers.NewUsageHandler(db, ingestor)
	v0.POST("/usage/events", usageHandler.Ingest)
	v0.GET("/usage/deployments/:deployment_id", usageHandler.DeploymentUsage)

	settingsHandler := handlers.NewSettingsHandler(db)
	v0.GET("/settings", settingsHandler.List)
	v0.PUT("/settings", settingsHandler.Update)
}

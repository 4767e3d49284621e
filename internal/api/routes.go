package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/polycorr/internal/api/handlers"
	"github.com/irfndi/polycorr/internal/config"
	"github.com/irfndi/polycorr/internal/middleware"
	"github.com/sirupsen/logrus"
)

// Services bundles what the API layer serves from.
type Services struct {
	DB       handlers.HealthChecker
	Redis    handlers.HealthChecker
	Graph    handlers.GraphProvider
	Refresh  handlers.RefreshController
	Backtest handlers.BacktestRunner
	Metrics  http.Handler
}

// SetupRoutes registers middleware and every endpoint on router.
func SetupRoutes(router *gin.Engine, cfg config.ServerConfig, svc Services, logger *logrus.Logger, version string) {
	router.Use(gin.Recovery())
	router.Use(middleware.TelemetryMiddleware("polycorr-api"))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler := handlers.NewHealthHandler(svc.DB, svc.Redis, version)
	graphHandler := handlers.NewGraphHandler(svc.Graph, svc.Refresh, logger)
	backtestHandler := handlers.NewBacktestHandler(svc.Backtest, logger)
	admin := middleware.NewAdminMiddleware(cfg.AdminAPIKey)
	if !admin.Enabled() {
		logger.Warn("ADMIN_API_KEY not set; manual refresh endpoint is unauthenticated")
	}

	router.GET("/health", healthHandler.HealthCheck)
	router.HEAD("/health", healthHandler.HealthCheck)
	router.GET("/live", healthHandler.LivenessCheck)
	if svc.Metrics != nil {
		router.GET("/metrics", gin.WrapH(svc.Metrics))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/graph", graphHandler.GetGraph)
		v1.GET("/markets", graphHandler.GetMarkets)
		v1.GET("/markets/:id/history", graphHandler.GetMarketHistory)
		v1.GET("/correlations", graphHandler.GetCorrelations)
		v1.GET("/status", graphHandler.GetStatus)
		v1.POST("/refresh", admin.RequireAdminAuth(), graphHandler.TriggerRefresh)

		backtest := v1.Group("/backtest")
		{
			backtest.GET("/search", backtestHandler.SearchResolved)
			backtest.POST("", backtestHandler.RunBacktest)
		}
	}
}

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/argus-sec/argus/backend/internal/api/handlers"
	"github.com/argus-sec/argus/backend/internal/api/middleware"
	"github.com/argus-sec/argus/backend/internal/broadcast"
	"github.com/argus-sec/argus/backend/internal/config"
	"github.com/argus-sec/argus/backend/internal/correlate"
	"github.com/argus-sec/argus/backend/internal/ingest"
	"github.com/argus-sec/argus/backend/internal/scans"
	"github.com/argus-sec/argus/backend/internal/services"
	"github.com/argus-sec/argus/backend/internal/store"
)

// Deps bundles the pipeline components the API fronts.
type Deps struct {
	Config       config.Config
	Store        *store.Store
	Ingestor     *ingest.Ingestor
	Orchestrator *scans.Orchestrator
	Engine       *correlate.Engine
	Hub          *broadcast.Hub
	Auth         *services.AuthService
	Registry     *prometheus.Registry
}

// Register wires up API routes.
func Register(router *gin.Engine, deps Deps) {
	router.GET("/api/v1/health", handlers.HealthHandler)
	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")

	authHandler := handlers.NewAuthHandler(deps.Auth)
	api.POST("/auth/token", authHandler.Token)

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(deps.Auth))
	{
		// Ingestion
		ingestHandler := handlers.NewIngestHandler(deps.Ingestor)
		protected.POST("/ingest/:source", ingestHandler.Push)

		// Events
		eventHandler := handlers.NewEventHandler(deps.Store)
		protected.GET("/events", eventHandler.List)
		protected.GET("/events/:id", eventHandler.Get)

		// Scans
		scanHandler := handlers.NewScanHandler(deps.Orchestrator, deps.Store)
		protected.POST("/scans", scanHandler.Schedule)
		protected.GET("/scans", scanHandler.List)
		protected.GET("/scans/:id", scanHandler.Get)
		protected.GET("/scans/:id/findings", scanHandler.Findings)
		protected.POST("/scans/:id/start", scanHandler.Start)
		protected.POST("/scans/:id/tick", scanHandler.Tick)
		protected.POST("/scans/:id/cancel", scanHandler.Cancel)

		// Alerts
		alertHandler := handlers.NewAlertHandler(deps.Engine, deps.Store)
		protected.GET("/alerts", alertHandler.List)
		protected.GET("/alerts/:id", alertHandler.Get)
		protected.POST("/alerts/:id/status", alertHandler.SetStatus)

		// Live updates
		streamHandler := handlers.NewStreamHandler(deps.Hub, deps.Config.DeliveryTimeout)
		protected.GET("/stream", streamHandler.Stream)
	}
}

package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/mealforge/guardian/internal/api/handlers"
	"github.com/mealforge/guardian/internal/api/middleware"
	"github.com/mealforge/guardian/internal/config"
	"github.com/mealforge/guardian/internal/models"
	"github.com/mealforge/guardian/internal/services"
)

// Deps bundles the already-constructed services the routes depend on. They
// are built in main so the cron scheduler can share the same instances.
type Deps struct {
	Aggregator    *services.EventAggregator
	Sink          *services.AlertSink
	Rotator       *services.KeyRotator
	Responder     *services.IncidentResponder
	Threats       *services.ThreatService
	Notifications *services.NotificationService
	Registry      *prometheus.Registry
}

// Register wires up API routes and performs automatic migrations.
func Register(router *gin.Engine, db *gorm.DB, cfg config.Config, deps Deps) error {
	if err := db.AutoMigrate(
		&models.SecretRecord{},
		&models.KeyVerifier{},
		&models.SecurityEvent{},
		&models.Alert{},
		&models.BlockedSource{},
		&models.Notification{},
		&models.NotificationProvider{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	router.Use(middleware.RequestID(), middleware.RequestLogger(),
		middleware.Recovery(cfg.Environment == "development"))

	router.GET("/api/v1/health", handlers.HealthHandler)

	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")

	// Every API request passes the block list gate and the threat pipeline
	// before reaching a handler.
	api.Use(middleware.Admission(deps.Responder, deps.Threats))

	protected := api.Group("/")
	protected.Use(middleware.AdminAuth(deps.Rotator, cfg.AdminTokenAudience, deps.Aggregator))
	{
		// Security admin surface
		securityHandler := handlers.NewSecurityHandler(deps.Sink, deps.Responder, deps.Rotator)
		protected.GET("/security/events", securityHandler.ListEvents)
		protected.GET("/security/alerts", securityHandler.ListAlerts)
		protected.GET("/security/report", securityHandler.GetReport)
		protected.GET("/security/blocklist", securityHandler.GetBlockList)
		protected.POST("/security/blocklist", securityHandler.BlockSource)
		protected.DELETE("/security/blocklist/:source", securityHandler.UnblockSource)
		protected.GET("/security/secrets", securityHandler.ListSecrets)
		protected.POST("/security/secrets/:name/rotate", securityHandler.RotateSecret)

		// Notifications
		notificationHandler := handlers.NewNotificationHandler(deps.Notifications)
		protected.GET("/notifications", notificationHandler.List)
		protected.POST("/notifications/:id/read", notificationHandler.MarkAsRead)
		protected.POST("/notifications/read-all", notificationHandler.MarkAllAsRead)

		// Notification Providers
		providerHandler := handlers.NewNotificationProviderHandler(deps.Notifications)
		protected.GET("/notifications/providers", providerHandler.List)
		protected.POST("/notifications/providers", providerHandler.Create)
		protected.PUT("/notifications/providers/:id", providerHandler.Update)
		protected.DELETE("/notifications/providers/:id", providerHandler.Delete)
		protected.POST("/notifications/providers/:id/test", providerHandler.Test)
	}

	return nil
}

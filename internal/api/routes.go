// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"image/png"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/plan-takeoff/backend/internal/calibration"
	"github.com/plan-takeoff/backend/internal/measurement"
	"github.com/plan-takeoff/backend/internal/pricing"
	"github.com/plan-takeoff/backend/internal/session"
	"github.com/plan-takeoff/backend/internal/storage"
	"github.com/plan-takeoff/backend/internal/upload"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store        storage.Store
	Plans        PlanRepository
	Calibrations calibration.Repository
	Sessions     *session.Manager
	Uploads      *upload.Manager
	Measurements *measurement.Registry
	Pricing      *pricing.Catalog
	Hub          *Hub
	Logger       *slog.Logger

	PNGLevel           png.CompressionLevel
	ThumbnailMaxPixels int
	RenderTimeout      time.Duration
	AllowPlanDeletion  bool
	AllowedFileTypes   []string
	Version            string
}

func (d *Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Handlers holds all handler instances
type Handlers struct {
	Health       HealthHandler
	Plans        PlanHandler
	Pages        PageHandler
	Interaction  InteractionHandler
	Measurements MeasurementHandler
	Hub          *Hub
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(0, deps.logger())
	}
	return &Handlers{
		Health:       NewHealthHandler(deps.Version, deps.Sessions, hub),
		Plans:        NewPlanHandler(deps),
		Pages:        NewPageHandler(deps),
		Interaction:  NewInteractionHandler(deps.Sessions),
		Measurements: NewMeasurementHandler(deps.Measurements, deps.Plans, deps.Pricing),
		Hub:          hub,
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)
	e.GET("/health", handlers.Health.HandleHealth)

	// Plan upload and management
	plans := apiGroup.Group("/plans")
	plans.POST("", handlers.Plans.HandleUploadPlan)
	plans.POST("/upload/chunk", handlers.Plans.HandleUploadChunk)
	plans.POST("/upload/complete", handlers.Plans.HandleCompleteUpload)
	plans.GET("/upload/:jobId", handlers.Plans.HandleUploadJobStatus)
	plans.GET("/open", handlers.Pages.HandleListViewers)
	plans.GET("/:planId", handlers.Plans.HandleGetPlan)
	plans.DELETE("/:planId", handlers.Plans.HandleDeletePlan)

	// Page rendering and calibration
	plans.GET("/:planId/pages/:page", handlers.Pages.HandleGetPage)
	plans.GET("/:planId/pages/:page/thumbnail", handlers.Pages.HandleGetThumbnail)
	plans.GET("/:planId/pages/:page/calibration", handlers.Pages.HandleGetCalibration)
	plans.PUT("/:planId/pages/:page/calibration", handlers.Pages.HandlePutCalibration)
	plans.POST("/:planId/viewport", handlers.Pages.HandleSetViewport)
	plans.DELETE("/:planId/cache", handlers.Pages.HandleClearCache)

	// Canvas interaction
	interaction := plans.Group("/:planId/interaction")
	interaction.GET("", handlers.Interaction.HandleGetInteraction)
	interaction.POST("/mode", handlers.Interaction.HandleSetMode)
	interaction.POST("/click", handlers.Interaction.HandleClick)
	interaction.POST("/calibrate", handlers.Interaction.HandleCalibrate)
	interaction.POST("/finish", handlers.Interaction.HandleFinish)
	interaction.POST("/cancel", handlers.Interaction.HandleCancel)

	// Project scoped plans and measurements
	projects := apiGroup.Group("/projects/:projectId")
	projects.GET("/plans", handlers.Plans.HandleListPlans)
	projects.GET("/measurements", handlers.Measurements.HandleListMeasurements)
	projects.POST("/measurements", handlers.Measurements.HandleCreateMeasurement)
	projects.POST("/measurements/batch", handlers.Measurements.HandleBatchSave)
	projects.GET("/measurements/stats", handlers.Measurements.HandleStats)
	projects.PATCH("/measurements/:id", handlers.Measurements.HandleUpdateMeasurement)
	projects.DELETE("/measurements/:id", handlers.Measurements.HandleDeleteMeasurement)
	projects.POST("/measurements/:id/retry", handlers.Measurements.HandleRetryMeasurement)
	projects.GET("/export", handlers.Measurements.HandleExport)

	apiGroup.GET("/pricing", handlers.Measurements.HandleGetPricing)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/ws/render", handlers.Hub.HandleWebSocket)
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler
}

// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/plan-takeoff/backend/internal/models"
)

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// PlanHandler handles plan upload and management
type PlanHandler interface {
	HandleUploadPlan(c echo.Context) error
	HandleUploadChunk(c echo.Context) error
	HandleCompleteUpload(c echo.Context) error
	HandleUploadJobStatus(c echo.Context) error
	HandleListPlans(c echo.Context) error
	HandleGetPlan(c echo.Context) error
	HandleDeletePlan(c echo.Context) error
}

// PageHandler handles page rendering, viewport and calibration records
type PageHandler interface {
	HandleGetPage(c echo.Context) error
	HandleGetThumbnail(c echo.Context) error
	HandleSetViewport(c echo.Context) error
	HandleClearCache(c echo.Context) error
	HandleListViewers(c echo.Context) error
	HandleGetCalibration(c echo.Context) error
	HandlePutCalibration(c echo.Context) error
}

// InteractionHandler routes canvas input of an open plan
type InteractionHandler interface {
	HandleGetInteraction(c echo.Context) error
	HandleSetMode(c echo.Context) error
	HandleClick(c echo.Context) error
	HandleCalibrate(c echo.Context) error
	HandleFinish(c echo.Context) error
	HandleCancel(c echo.Context) error
}

// MeasurementHandler handles the measurement collection of a project
type MeasurementHandler interface {
	HandleListMeasurements(c echo.Context) error
	HandleCreateMeasurement(c echo.Context) error
	HandleUpdateMeasurement(c echo.Context) error
	HandleDeleteMeasurement(c echo.Context) error
	HandleRetryMeasurement(c echo.Context) error
	HandleBatchSave(c echo.Context) error
	HandleStats(c echo.Context) error
	HandleExport(c echo.Context) error
	HandleGetPricing(c echo.Context) error
}

// PlanRepository persists plan records
type PlanRepository interface {
	CreatePlan(ctx context.Context, p *models.Plan) error
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	ListPlans(ctx context.Context, projectID string) ([]*models.Plan, error)
	DeletePlan(ctx context.Context, id string) error
}

// handlers_plans.go - Plan upload and management handlers
package api

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/plan-takeoff/backend/internal/measurement"
	"github.com/plan-takeoff/backend/internal/session"
	"github.com/plan-takeoff/backend/internal/storage"
	"github.com/plan-takeoff/backend/internal/upload"
)

// PlanHandlerImpl implements the PlanHandler interface
type PlanHandlerImpl struct {
	store         storage.Store
	plans         PlanRepository
	sessions      *session.Manager
	uploads       *upload.Manager
	registry      *measurement.Registry
	allowDeletion bool
	allowedTypes  []string
	log           *slog.Logger
}

// NewPlanHandler creates a new plan handler instance
func NewPlanHandler(deps *Dependencies) PlanHandler {
	return &PlanHandlerImpl{
		store:         deps.Store,
		plans:         deps.Plans,
		sessions:      deps.Sessions,
		uploads:       deps.Uploads,
		registry:      deps.Measurements,
		allowDeletion: deps.AllowPlanDeletion,
		allowedTypes:  deps.AllowedFileTypes,
		log:           deps.logger().With("component", "plans"),
	}
}

// HandleUploadPlan accepts a plan document as multipart/form-data and
// registers it under the projectId form field.
func (h *PlanHandlerImpl) HandleUploadPlan(c echo.Context) error {
	projectID := strings.TrimSpace(c.FormValue("projectId"))
	if projectID == "" {
		return NewValidationError("projectId")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no file provided", err)
	}
	if !h.allowedFile(file.Filename) {
		return NewBadRequestError("unsupported file type: "+filepath.Ext(file.Filename), nil)
	}

	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	info, err := h.store.Save(file.Filename, src)
	if err != nil {
		return NewInternalError("failed to save file", err)
	}

	plan, err := h.uploads.RegisterPlan(c.Request().Context(), projectID, info)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, plan)
}

// HandleUploadChunk accepts a single chunk of a chunked upload
func (h *PlanHandlerImpl) HandleUploadChunk(c echo.Context) error {
	uploadID := c.FormValue("uploadId")
	if uploadID == "" {
		return NewValidationError("uploadId")
	}
	chunkIndex, err := strconv.Atoi(c.FormValue("chunkIndex"))
	if err != nil || chunkIndex < 0 {
		return NewValidationError("chunkIndex")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no chunk provided", err)
	}
	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open chunk", err)
	}
	defer src.Close()

	if err := h.store.SaveChunk(uploadID, chunkIndex, src); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// HandleCompleteUpload completes a chunked upload and starts async processing
func (h *PlanHandlerImpl) HandleCompleteUpload(c echo.Context) error {
	var req completeUploadRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}
	if !h.allowedFile(req.Name) {
		return NewBadRequestError("unsupported file type: "+filepath.Ext(req.Name), nil)
	}

	job, err := h.uploads.StartJob(upload.Request{
		UploadID:       req.UploadID,
		ProjectID:      req.ProjectID,
		FileName:       req.Name,
		TotalChunks:    req.TotalChunks,
		OriginalSize:   req.OriginalSize,
		CompressedSize: req.CompressedSize,
		Encoding:       req.Encoding,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// HandleUploadJobStatus returns the progress of an upload job
func (h *PlanHandlerImpl) HandleUploadJobStatus(c echo.Context) error {
	id := c.Param("jobId")
	job, ok := h.uploads.GetJob(id)
	if !ok {
		return NewNotFoundError("upload job", id)
	}
	return c.JSON(http.StatusOK, job)
}

// HandleListPlans returns the plans of a project, newest first
func (h *PlanHandlerImpl) HandleListPlans(c echo.Context) error {
	projectID := c.Param("projectId")
	if projectID == "" {
		return NewValidationError("projectId")
	}
	plans, err := h.plans.ListPlans(c.Request().Context(), projectID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plans)
}

// HandleGetPlan returns a plan record
func (h *PlanHandlerImpl) HandleGetPlan(c echo.Context) error {
	plan, err := h.plans.GetPlan(c.Request().Context(), c.Param("planId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plan)
}

// HandleDeletePlan deletes a plan with its file, calibrations and measurements.
func (h *PlanHandlerImpl) HandleDeletePlan(c echo.Context) error {
	if !h.allowDeletion {
		return &APIError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "plan deletion is disabled"}
	}

	ctx := c.Request().Context()
	id := c.Param("planId")
	plan, err := h.plans.GetPlan(ctx, id)
	if err != nil {
		return err
	}

	h.sessions.CloseViewer(id)
	if err := h.plans.DeletePlan(ctx, id); err != nil {
		return err
	}
	if store, ok := h.registry.Loaded(plan.ProjectID); ok {
		store.ForgetPlan(id)
	}
	if err := h.store.Delete(plan.FileID); err != nil {
		h.log.Warn("plan file already gone", "plan", id, "file", plan.FileID, "error", err)
	}

	h.log.Info("plan deleted", "plan", id, "project", plan.ProjectID)
	return c.NoContent(http.StatusNoContent)
}

func (h *PlanHandlerImpl) allowedFile(name string) bool {
	if len(h.allowedTypes) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, s := range h.allowedTypes {
		if ext == s {
			return true
		}
	}
	return false
}

// Request/Response types

type completeUploadRequest struct {
	UploadID       string `json:"uploadId"`
	ProjectID      string `json:"projectId"`
	Name           string `json:"name"`
	TotalChunks    int    `json:"totalChunks"`
	OriginalSize   int64  `json:"originalSize"`
	CompressedSize int64  `json:"compressedSize"`
	Encoding       string `json:"encoding"`
}

func (r *completeUploadRequest) validate() error {
	if r.UploadID == "" {
		return NewValidationError("uploadId")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return NewValidationError("projectId")
	}
	if r.Name == "" {
		return NewValidationError("name")
	}
	if r.TotalChunks <= 0 {
		return NewBadRequestError("totalChunks must be positive", nil)
	}
	if r.Encoding != "" && r.Encoding != "gzip" && r.Encoding != "identity" {
		return NewBadRequestError("unsupported encoding: "+r.Encoding, nil)
	}
	return nil
}

// handlers_interaction.go - Canvas interaction handlers
package api

import (
	"math"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/plan-takeoff/backend/internal/canvas"
	"github.com/plan-takeoff/backend/internal/models"
	"github.com/plan-takeoff/backend/internal/session"
)

// InteractionHandlerImpl implements the InteractionHandler interface
type InteractionHandlerImpl struct {
	sessions *session.Manager
}

// NewInteractionHandler creates a new interaction handler instance
func NewInteractionHandler(sessions *session.Manager) InteractionHandler {
	return &InteractionHandlerImpl{sessions: sessions}
}

func (h *InteractionHandlerImpl) router(c echo.Context) (*canvas.Router, error) {
	viewer, err := h.sessions.Open(c.Request().Context(), c.Param("planId"))
	if err != nil {
		return nil, err
	}
	return viewer.Router, nil
}

// HandleGetInteraction returns the current interaction state
func (h *InteractionHandlerImpl) HandleGetInteraction(c echo.Context) error {
	r, err := h.router(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r.State())
}

// HandleSetMode switches between idle, calibrating and drawing
func (h *InteractionHandlerImpl) HandleSetMode(c echo.Context) error {
	var req modeRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Page == 0 {
		req.Page = 1
	}

	r, err := h.router(c)
	if err != nil {
		return err
	}
	st, err := r.SetMode(c.Request().Context(), req.Mode, req.Page, req.Tool)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// HandleClick routes a canvas click to the active interaction
func (h *InteractionHandlerImpl) HandleClick(c echo.Context) error {
	var p models.Point
	if err := c.Bind(&p); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return NewValidationError("point")
	}

	r, err := h.router(c)
	if err != nil {
		return err
	}
	res, err := r.Click(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// HandleCalibrate commits the calibration of the current page
func (h *InteractionHandlerImpl) HandleCalibrate(c echo.Context) error {
	var req calibrateRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}

	r, err := h.router(c)
	if err != nil {
		return err
	}
	cal, err := r.Calibrate(c.Request().Context(), req.RealDistance, req.Unit, req.ScaleRatio)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"calibration": cal,
		"state":       r.State(),
	})
}

// HandleFinish turns the drawn shape into a measurement.
// A measurement that failed to persist is still returned, with 202.
func (h *InteractionHandlerImpl) HandleFinish(c echo.Context) error {
	var d canvas.Details
	if err := c.Bind(&d); err != nil {
		return NewBadRequestError("invalid request body", err)
	}

	r, err := h.router(c)
	if err != nil {
		return err
	}
	m, err := r.Finish(c.Request().Context(), d)
	if err != nil {
		if m != nil {
			return c.JSON(http.StatusAccepted, map[string]interface{}{
				"measurement": m,
				"error":       FromError(err),
			})
		}
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

// HandleCancel discards the current shape or calibration flow
func (h *InteractionHandlerImpl) HandleCancel(c echo.Context) error {
	r, err := h.router(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r.Cancel())
}

// Request/Response types

type modeRequest struct {
	Mode canvas.Mode            `json:"mode"`
	Page int                    `json:"page"`
	Tool models.MeasurementType `json:"tool"`
}

type calibrateRequest struct {
	RealDistance float64     `json:"realDistance"`
	Unit         models.Unit `json:"unit"`
	ScaleRatio   string      `json:"scaleRatio"`
}

// handlers_measurements.go - Measurement collection, stats and export handlers
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/plan-takeoff/backend/internal/export"
	"github.com/plan-takeoff/backend/internal/measurement"
	"github.com/plan-takeoff/backend/internal/models"
	"github.com/plan-takeoff/backend/internal/pricing"
)

const mimeMsgpack = "application/msgpack"

// MeasurementHandlerImpl implements the MeasurementHandler interface
type MeasurementHandlerImpl struct {
	registry *measurement.Registry
	plans    PlanRepository
	catalog  *pricing.Catalog
}

// NewMeasurementHandler creates a new measurement handler instance
func NewMeasurementHandler(registry *measurement.Registry, plans PlanRepository, catalog *pricing.Catalog) MeasurementHandler {
	if catalog == nil {
		catalog = &pricing.Catalog{}
	}
	return &MeasurementHandlerImpl{
		registry: registry,
		plans:    plans,
		catalog:  catalog,
	}
}

func (h *MeasurementHandlerImpl) store(c echo.Context) (*measurement.Store, error) {
	projectID := c.Param("projectId")
	if strings.TrimSpace(projectID) == "" {
		return nil, NewValidationError("projectId")
	}
	return h.registry.Get(c.Request().Context(), projectID)
}

// HandleListMeasurements returns measurements in creation order, optionally
// scoped to a plan and page.
func (h *MeasurementHandlerImpl) HandleListMeasurements(c echo.Context) error {
	s, err := h.store(c)
	if err != nil {
		return err
	}
	filter, err := measurementFilter(c)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, s.List(filter))
}

// HandleCreateMeasurement measures a shape and adds it to the project
func (h *MeasurementHandlerImpl) HandleCreateMeasurement(c echo.Context) error {
	var d measurement.Draft
	if err := c.Bind(&d); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if d.PlanID == "" {
		return NewValidationError("planId")
	}
	if d.Page < 1 {
		return NewValidationError("page")
	}

	s, err := h.store(c)
	if err != nil {
		return err
	}
	if err := h.checkPlan(c, s.ProjectID(), d.PlanID); err != nil {
		return err
	}

	m, err := s.Add(c.Request().Context(), d)
	return respondSaved(c, http.StatusCreated, m, err)
}

// HandleUpdateMeasurement changes the editable fields of a measurement
func (h *MeasurementHandlerImpl) HandleUpdateMeasurement(c echo.Context) error {
	var patch models.MeasurementPatch
	if err := c.Bind(&patch); err != nil {
		return NewBadRequestError("invalid request body", err)
	}

	s, err := h.store(c)
	if err != nil {
		return err
	}
	m, err := s.Update(c.Request().Context(), c.Param("id"), patch)
	return respondSaved(c, http.StatusOK, m, err)
}

// HandleDeleteMeasurement removes a measurement. Unknown ids succeed.
func (h *MeasurementHandlerImpl) HandleDeleteMeasurement(c echo.Context) error {
	s, err := h.store(c)
	if err != nil {
		return err
	}
	if err := s.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleRetryMeasurement persists a failed measurement again
func (h *MeasurementHandlerImpl) HandleRetryMeasurement(c echo.Context) error {
	s, err := h.store(c)
	if err != nil {
		return err
	}
	m, err := s.Retry(c.Request().Context(), c.Param("id"))
	return respondSaved(c, http.StatusOK, m, err)
}

// HandleBatchSave upserts a list of measurements atomically.
// The body is a JSON or msgpack array, or an object with a measurements field.
func (h *MeasurementHandlerImpl) HandleBatchSave(c echo.Context) error {
	batch, err := decodeBatch(c)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return NewValidationError("measurements")
	}

	s, err := h.store(c)
	if err != nil {
		return err
	}
	checked := make(map[string]error)
	for i, m := range batch {
		if m == nil || m.PlanID == "" {
			continue
		}
		err, ok := checked[m.PlanID]
		if !ok {
			err = h.checkPlan(c, s.ProjectID(), m.PlanID)
			checked[m.PlanID] = err
		}
		if err != nil {
			return &models.BatchError{Index: i, ID: m.ID, Err: err}
		}
	}
	saved, err := s.BatchSave(c.Request().Context(), batch)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, saved)
}

// HandleStats returns per-category counts and totals
func (h *MeasurementHandlerImpl) HandleStats(c echo.Context) error {
	s, err := h.store(c)
	if err != nil {
		return err
	}

	stats := s.StatsByCategory()
	var totalPrice float64
	for _, st := range stats {
		totalPrice += st.TotalPrice
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"projectId":  s.ProjectID(),
		"count":      s.Len(),
		"totalPrice": totalPrice,
		"categories": stats,
	})
}

// HandleExport returns the project's measurements as priced line items
// grouped by category.
func (h *MeasurementHandlerImpl) HandleExport(c echo.Context) error {
	s, err := h.store(c)
	if err != nil {
		return err
	}
	filter, err := measurementFilter(c)
	if err != nil {
		return err
	}

	groups := export.Grouped(s.List(filter))
	return respond(c, http.StatusOK, exportResponse{
		ProjectID: s.ProjectID(),
		Currency:  h.catalog.Currency,
		Groups:    groups,
		Total:     export.Total(groups),
	})
}

// HandleGetPricing returns the category price catalog
func (h *MeasurementHandlerImpl) HandleGetPricing(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"currency":         h.catalog.Currency,
		"defaultUnitPrice": h.catalog.DefaultUnitPrice,
		"categories":       h.catalog.Sorted(),
	})
}

func (h *MeasurementHandlerImpl) checkPlan(c echo.Context, projectID, planID string) error {
	if h.plans == nil {
		return nil
	}
	plan, err := h.plans.GetPlan(c.Request().Context(), planID)
	if err != nil {
		return err
	}
	if plan.ProjectID != projectID {
		return &models.ValidationError{Field: "planId", Reason: "plan belongs to another project"}
	}
	return nil
}

// Helper functions

func wantsMsgpack(c echo.Context) bool {
	if c.QueryParam("format") == "msgpack" {
		return true
	}
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), mimeMsgpack)
}

// respond writes v as msgpack when the client asks for it, JSON otherwise.
func respond(c echo.Context, status int, v interface{}) error {
	if !wantsMsgpack(c) {
		return c.JSON(status, v)
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(status, mimeMsgpack, data)
}

// respondSaved reports a measurement that is kept in memory but could not
// be persisted with 202 and the persistence error.
func respondSaved(c echo.Context, status int, m *models.Measurement, err error) error {
	if err == nil {
		return c.JSON(status, m)
	}
	var perr *models.PersistenceError
	if m != nil && errors.As(err, &perr) {
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"measurement": m,
			"error":       FromError(err),
		})
	}
	return err
}

func measurementFilter(c echo.Context) (models.MeasurementFilter, error) {
	f := models.MeasurementFilter{PlanID: c.QueryParam("planId")}
	if p := c.QueryParam("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return f, NewValidationError("page")
		}
		f.Page = n
	}
	return f, nil
}

func decodeBatch(c echo.Context) ([]*models.Measurement, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, NewBadRequestError("failed to read body", err)
	}
	if len(body) == 0 {
		return nil, NewValidationError("measurements")
	}

	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), mimeMsgpack) {
		var batch []*models.Measurement
		if err := msgpack.Unmarshal(body, &batch); err != nil {
			return nil, NewBadRequestError("invalid msgpack body", err)
		}
		return batch, nil
	}

	var req batchRequest
	if err := req.UnmarshalJSON(body); err != nil {
		return nil, NewBadRequestError("invalid JSON body", err)
	}
	return req.Measurements, nil
}

// Request/Response types

type exportResponse struct {
	ProjectID string                 `json:"projectId" msgpack:"projectId"`
	Currency  string                 `json:"currency,omitempty" msgpack:"currency,omitempty"`
	Groups    []models.LineItemGroup `json:"groups" msgpack:"groups"`
	Total     float64                `json:"total" msgpack:"total"`
}

// batchRequest accepts either a bare array or {"measurements": [...]}.
type batchRequest struct {
	Measurements []*models.Measurement `json:"measurements"`
}

func (r *batchRequest) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &r.Measurements)
	}
	type plain batchRequest
	return json.Unmarshal(trimmed, (*plain)(r))
}

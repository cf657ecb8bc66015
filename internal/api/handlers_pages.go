// handlers_pages.go - Page rendering, viewport and calibration handlers
package api

import (
	"context"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/plan-takeoff/backend/internal/calibration"
	"github.com/plan-takeoff/backend/internal/document"
	"github.com/plan-takeoff/backend/internal/models"
	"github.com/plan-takeoff/backend/internal/pagecache"
	"github.com/plan-takeoff/backend/internal/session"
)

// Response headers describing a rendered page.
const (
	HeaderRenderQuality = "X-Render-Quality"
	HeaderRenderPending = "X-Render-Pending"
	HeaderRenderZoom    = "X-Render-Zoom"
	HeaderRenderRotate  = "X-Render-Rotation"
)

// PageHandlerImpl implements the PageHandler interface
type PageHandlerImpl struct {
	sessions     *session.Manager
	cals         calibration.Repository
	pngLevel     png.CompressionLevel
	thumbMax     int
	renderWait   time.Duration
	thumbQuality pagecache.Quality
}

// NewPageHandler creates a new page handler instance
func NewPageHandler(deps *Dependencies) PageHandler {
	thumbMax := deps.ThumbnailMaxPixels
	if thumbMax <= 0 {
		thumbMax = 256
	}
	wait := deps.RenderTimeout
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &PageHandlerImpl{
		sessions:     deps.Sessions,
		cals:         deps.Calibrations,
		pngLevel:     deps.PNGLevel,
		thumbMax:     thumbMax,
		renderWait:   wait,
		thumbQuality: pagecache.Low,
	}
}

// HandleGetPage returns a page as PNG.
// A cached surface that satisfies the request is returned with 200. While a
// better surface renders, the best preview is returned with 202 and
// X-Render-Pending; wait=true blocks until the requested quality is ready.
func (h *PageHandlerImpl) HandleGetPage(c echo.Context) error {
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	quality, err := pagecache.ParseQuality(c.QueryParam("quality"))
	if err != nil {
		return NewValidationError("quality")
	}

	ctx := c.Request().Context()
	viewer, err := h.sessions.Open(ctx, c.Param("planId"))
	if err != nil {
		return err
	}
	params, err := renderParams(c, viewer.Params())
	if err != nil {
		return err
	}

	req, err := viewer.Cache.RequestPage(page, quality, params)
	if err != nil {
		return err
	}
	if req.Hit {
		return h.writeSurface(c, http.StatusOK, req.Surface, false)
	}
	if req.Surface != nil && c.QueryParam("wait") != "true" {
		return h.writeSurface(c, http.StatusAccepted, req.Surface, true)
	}

	wctx, cancel := context.WithTimeout(ctx, h.renderWait)
	defer cancel()
	select {
	case out := <-req.Done:
		if out.Err != nil {
			return out.Err
		}
		return h.writeSurface(c, http.StatusOK, out.Surface, false)
	case <-wctx.Done():
		return wctx.Err()
	}
}

// HandleGetThumbnail returns a small low resolution rendering of a page.
func (h *PageHandlerImpl) HandleGetThumbnail(c echo.Context) error {
	page, err := pageParam(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.renderWait)
	defer cancel()
	viewer, err := h.sessions.Open(ctx, c.Param("planId"))
	if err != nil {
		return err
	}
	s, err := viewer.Cache.Get(ctx, page, h.thumbQuality, pagecache.Params{Zoom: 1})
	if err != nil {
		return err
	}

	data, err := document.EncodePNG(document.Thumbnail(s.Image, h.thumbMax), h.pngLevel)
	if err != nil {
		return NewInternalError("failed to encode thumbnail", err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=300")
	return c.Blob(http.StatusOK, "image/png", data)
}

// HandleSetViewport protects the visible pages and prefetches their neighbours
func (h *PageHandlerImpl) HandleSetViewport(c echo.Context) error {
	var req viewportRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	planID := c.Param("planId")
	viewer, err := h.sessions.SetViewport(c.Request().Context(), planID, req.Pages,
		pagecache.Params{Zoom: req.Zoom, Rotation: req.Rotation})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"planId":   planID,
		"pages":    req.Pages,
		"prefetch": session.Neighbours(req.Pages, viewer.Cache.PageCount(), session.PrefetchRadius),
		"cache":    viewer.Cache.Stats(),
	})
}

// HandleClearCache drops every rendered surface of an open plan
func (h *PageHandlerImpl) HandleClearCache(c echo.Context) error {
	planID := c.Param("planId")
	viewer, ok := h.sessions.Get(planID)
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	if page := c.QueryParam("page"); page != "" {
		n, err := strconv.Atoi(page)
		if err != nil {
			return NewValidationError("page")
		}
		viewer.Cache.Invalidate(n)
	} else {
		viewer.Cache.Clear()
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleListViewers returns the open plans with their cache occupancy
func (h *PageHandlerImpl) HandleListViewers(c echo.Context) error {
	return c.JSON(http.StatusOK, h.sessions.List())
}

// HandleGetCalibration returns the active calibration of a page
func (h *PageHandlerImpl) HandleGetCalibration(c echo.Context) error {
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	cal, err := h.cals.GetCalibration(c.Request().Context(), c.Param("planId"), page)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cal)
}

// HandlePutCalibration calibrates a page from two points and their real
// distance in one request.
func (h *PageHandlerImpl) HandlePutCalibration(c echo.Context) error {
	page, err := pageParam(c)
	if err != nil {
		return err
	}
	var req calibrationRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Point1 == nil || req.Point2 == nil {
		return NewValidationError("points")
	}

	ctx := c.Request().Context()
	viewer, err := h.sessions.Open(ctx, c.Param("planId"))
	if err != nil {
		return err
	}
	if page > viewer.Plan.PageCount {
		return &models.ValidationError{Field: "page", Reason: fmt.Sprintf("must be between 1 and %d", viewer.Plan.PageCount)}
	}

	cal, err := viewer.Router.CalibratePage(ctx, page, *req.Point1, *req.Point2, req.RealDistance, req.Unit, req.ScaleRatio)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cal)
}

func (h *PageHandlerImpl) writeSurface(c echo.Context, status int, s *pagecache.Surface, pending bool) error {
	data, err := document.EncodePNG(s.Image, h.pngLevel)
	if err != nil {
		return NewInternalError("failed to encode page", err)
	}

	hdr := c.Response().Header()
	hdr.Set(HeaderRenderQuality, string(s.Quality))
	hdr.Set(HeaderRenderZoom, strconv.FormatFloat(s.Params.Zoom, 'f', -1, 64))
	hdr.Set(HeaderRenderRotate, strconv.Itoa(s.Params.Rotation))
	if pending {
		hdr.Set(HeaderRenderPending, "true")
		hdr.Set(echo.HeaderCacheControl, "no-store")
	} else {
		hdr.Set(echo.HeaderCacheControl, "private, max-age=60")
	}
	return c.Blob(status, "image/png", data)
}

// Helper functions

func pageParam(c echo.Context) (int, error) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil || page < 1 {
		return 0, NewValidationError("page")
	}
	return page, nil
}

// renderParams reads zoom and rotation, falling back to the viewport params.
func renderParams(c echo.Context, def pagecache.Params) (pagecache.Params, error) {
	p := def
	if z := c.QueryParam("zoom"); z != "" {
		v, err := strconv.ParseFloat(z, 64)
		if err != nil {
			return p, NewValidationError("zoom")
		}
		p.Zoom = v
	}
	if r := c.QueryParam("rotation"); r != "" {
		v, err := strconv.Atoi(r)
		if err != nil {
			return p, NewValidationError("rotation")
		}
		p.Rotation = v
	}
	return p, nil
}

// Request/Response types

type viewportRequest struct {
	Pages    []int   `json:"pages"`
	Zoom     float64 `json:"zoom"`
	Rotation int     `json:"rotation"`
}

func (r *viewportRequest) validate() error {
	if len(r.Pages) == 0 {
		return NewValidationError("pages")
	}
	if _, ok := document.NormalizeRotation(r.Rotation); !ok {
		return NewValidationError("rotation")
	}
	return nil
}

type calibrationRequest struct {
	Point1       *models.Point `json:"point1"`
	Point2       *models.Point `json:"point2"`
	RealDistance float64       `json:"realDistance"`
	Unit         models.Unit   `json:"unit"`
	ScaleRatio   string        `json:"scaleRatio"`
}

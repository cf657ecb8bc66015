// Package canvas routes pointer input on a plan page to the active
// interaction: calibrating the page scale or drawing a measurement.
package canvas

import (
	"context"
	"fmt"
	"sync"

	"github.com/plan-takeoff/backend/internal/calibration"
	"github.com/plan-takeoff/backend/internal/measurement"
	"github.com/plan-takeoff/backend/internal/models"
)

// Mode is the active interaction.
type Mode string

const (
	ModeNone        Mode = "none"
	ModeCalibrating Mode = "calibrating"
	ModeDrawing     Mode = "drawing"
)

// Adder creates measurements from finished shapes.
type Adder interface {
	Add(ctx context.Context, d measurement.Draft) (*models.Measurement, error)
}

// Details are the user-entered attributes of a finished shape.
type Details struct {
	Label     string   `json:"label"`
	Category  string   `json:"category"`
	Color     string   `json:"color"`
	Notes     string   `json:"notes"`
	UnitPrice *float64 `json:"unitPrice,omitempty"`
}

// State is a snapshot of the router.
type State struct {
	Mode        Mode                   `json:"mode"`
	Page        int                    `json:"page"`
	Tool        models.MeasurementType `json:"tool,omitempty"`
	Points      []models.Point         `json:"points"`
	Calibration calibration.State      `json:"calibrationState"`
	Active      *models.Calibration    `json:"calibration,omitempty"`
}

// ClickResult reports what a click did.
type ClickResult struct {
	Consumed bool  `json:"consumed"`
	State    State `json:"state"`
}

// Router dispatches each click to exactly one handler of the current mode.
type Router struct {
	planID string
	repo   calibration.Repository
	store  Adder

	mu          sync.Mutex
	mode        Mode
	page        int
	tool        models.MeasurementType
	points      []models.Point
	calibrators map[int]*calibration.Manager
}

// NewRouter creates a router for one plan in ModeNone on page 1.
func NewRouter(planID string, repo calibration.Repository, store Adder) *Router {
	return &Router{
		planID:      planID,
		repo:        repo,
		store:       store,
		mode:        ModeNone,
		page:        1,
		calibrators: make(map[int]*calibration.Manager),
	}
}

// calibratorLocked returns the calibration manager of page, loading the
// page's active calibration on first use.
func (r *Router) calibratorLocked(ctx context.Context, page int) (*calibration.Manager, error) {
	if m, ok := r.calibrators[page]; ok {
		return m, nil
	}
	m := calibration.NewManager(r.repo, r.planID, page)
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	r.calibrators[page] = m
	return m, nil
}

// SetMode switches the interaction. Uncommitted calibration points and
// unfinished shapes are discarded.
func (r *Router) SetMode(ctx context.Context, mode Mode, page int, tool models.MeasurementType) (State, error) {
	if page < 1 {
		return State{}, &models.ValidationError{Field: "page", Reason: "must be at least 1"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch mode {
	case ModeNone, ModeCalibrating:
	case ModeDrawing:
		if !tool.Valid() {
			return State{}, &models.ValidationError{Field: "tool", Reason: fmt.Sprintf("unknown measurement type %q", tool)}
		}
	default:
		return State{}, &models.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}

	cal, err := r.calibratorLocked(ctx, page)
	if err != nil {
		return State{}, err
	}
	if prev, ok := r.calibrators[r.page]; ok && r.mode == ModeCalibrating {
		prev.Cancel()
	}

	r.mode, r.page, r.points = mode, page, nil
	r.tool = ""
	switch mode {
	case ModeCalibrating:
		cal.Begin()
	case ModeDrawing:
		r.tool = tool
	}
	return r.stateLocked(), nil
}

// Click routes a point to the active handler. Consumed is false when the
// handler did not take the point.
func (r *Router) Click(ctx context.Context, p models.Point) (ClickResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	consumed := false
	switch r.mode {
	case ModeCalibrating:
		cal, err := r.calibratorLocked(ctx, r.page)
		if err != nil {
			return ClickResult{}, err
		}
		consumed = cal.RegisterClick(p)
	case ModeDrawing:
		// Rectangles are defined by two opposite corners.
		if r.tool != models.MeasurementRectangle || len(r.points) < 2 {
			r.points = append(r.points, p)
			consumed = true
		}
	}
	return ClickResult{Consumed: consumed, State: r.stateLocked()}, nil
}

// Calibrate commits the calibration of the current page and returns to
// ModeNone. On failure the calibration flow stays open for another try.
func (r *Router) Calibrate(ctx context.Context, realDistance float64, unit models.Unit, scaleRatio string) (*models.Calibration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != ModeCalibrating {
		return nil, &models.ValidationError{Field: "mode", Reason: "not calibrating"}
	}
	cal, err := r.calibratorLocked(ctx, r.page)
	if err != nil {
		return nil, err
	}
	committed, err := cal.Commit(ctx, realDistance, unit, scaleRatio)
	if err != nil {
		return nil, err
	}
	r.mode = ModeNone
	return committed, nil
}

// CalibratePage calibrates page from two points in one step without
// changing the mode. It fails with models.ErrCalibrationInProgress while
// page is being calibrated click by click.
func (r *Router) CalibratePage(ctx context.Context, page int, p1, p2 models.Point, realDistance float64, unit models.Unit, scaleRatio string) (*models.Calibration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == ModeCalibrating && r.page == page {
		return nil, fmt.Errorf("page %d: %w", page, models.ErrCalibrationInProgress)
	}
	cal, err := r.calibratorLocked(ctx, page)
	if err != nil {
		return nil, err
	}
	cal.Begin()
	cal.RegisterClick(p1)
	cal.RegisterClick(p2)
	committed, err := cal.Commit(ctx, realDistance, unit, scaleRatio)
	if err != nil {
		cal.Cancel()
		return nil, err
	}
	return committed, nil
}

// Finish turns the drawn points into a measurement. The page must be
// calibrated; otherwise models.ErrNotCalibrated is returned and the points
// are kept. After a finished shape the router stays in drawing mode with
// the same tool.
func (r *Router) Finish(ctx context.Context, d Details) (*models.Measurement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != ModeDrawing {
		return nil, &models.ValidationError{Field: "mode", Reason: "not drawing"}
	}
	cal, err := r.calibratorLocked(ctx, r.page)
	if err != nil {
		return nil, err
	}
	active := cal.Active()
	if active == nil {
		return nil, fmt.Errorf("page %d: %w", r.page, models.ErrNotCalibrated)
	}
	if len(r.points) < r.tool.MinPoints() {
		return nil, &models.ValidationError{
			Field:  "points",
			Reason: fmt.Sprintf("%s needs at least %d points, got %d", r.tool, r.tool.MinPoints(), len(r.points)),
		}
	}

	m, err := r.store.Add(ctx, measurement.Draft{
		PlanID:      r.planID,
		Page:        r.page,
		Type:        r.tool,
		Points:      r.points,
		Label:       d.Label,
		Category:    d.Category,
		Color:       d.Color,
		Notes:       d.Notes,
		UnitPrice:   d.UnitPrice,
		Calibration: active,
	})
	if m != nil {
		// The shape lives in the store now, even if it failed to persist.
		r.points = nil
	}
	return m, err
}

// Cancel discards the current shape or calibration flow and returns to
// ModeNone.
func (r *Router) Cancel() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cal, ok := r.calibrators[r.page]; ok && r.mode == ModeCalibrating {
		cal.Cancel()
	}
	r.mode, r.tool, r.points = ModeNone, "", nil
	return r.stateLocked()
}

// State returns a snapshot of the router.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Router) stateLocked() State {
	st := State{
		Mode:        r.mode,
		Page:        r.page,
		Tool:        r.tool,
		Points:      append([]models.Point{}, r.points...),
		Calibration: calibration.StateIdle,
	}
	if cal, ok := r.calibrators[r.page]; ok {
		st.Calibration = cal.State()
		st.Active = cal.Active()
		if r.mode == ModeCalibrating {
			st.Points = cal.Points()
		}
	}
	return st
}

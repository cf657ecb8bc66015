// Package calibration runs the two-click scale calibration of a plan page.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plan-takeoff/backend/internal/geometry"
	"github.com/plan-takeoff/backend/internal/models"
)

// State is the step of the calibration flow.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingPoint1   State = "awaiting_point1"
	StateAwaitingPoint2   State = "awaiting_point2"
	StateAwaitingDistance State = "awaiting_distance"
	StateCommitted        State = "committed"
)

// Repository persists the active calibration of each page.
type Repository interface {
	// ReplaceCalibration deletes any calibration of the page and inserts cal
	// in one transaction.
	ReplaceCalibration(ctx context.Context, cal *models.Calibration) error

	// GetCalibration returns models.ErrNotFound when the page has none.
	GetCalibration(ctx context.Context, planID string, page int) (*models.Calibration, error)
}

// Manager drives calibration of a single (plan, page).
type Manager struct {
	mu     sync.Mutex
	repo   Repository
	planID string
	page   int
	now    func() time.Time

	state  State
	points []models.Point
	active *models.Calibration
}

// NewManager creates an idle manager for the given page.
func NewManager(repo Repository, planID string, page int) *Manager {
	return &Manager{
		repo:   repo,
		planID: planID,
		page:   page,
		now:    time.Now,
		state:  StateIdle,
	}
}

// Load fetches the page's active calibration from the repository.
func (m *Manager) Load(ctx context.Context) error {
	cal, err := m.repo.GetCalibration(ctx, m.planID, m.page)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &models.PersistenceError{Op: "loading calibration", Err: err}
	}

	m.mu.Lock()
	m.active = cal
	if m.state == StateIdle {
		m.state = StateCommitted
	}
	m.mu.Unlock()
	return nil
}

// Page returns the page this manager calibrates.
func (m *Manager) Page() int { return m.page }

// State returns the current step.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the committed calibration, or nil.
func (m *Manager) Active() *models.Calibration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Points returns the points picked so far.
func (m *Manager) Points() []models.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Point(nil), m.points...)
}

// Begin starts a new calibration, discarding uncommitted points.
func (m *Manager) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = m.points[:0]
	m.state = StateAwaitingPoint1
}

// RegisterClick records a picked point. It returns false when the manager
// is not waiting for a point, so the caller can treat the click otherwise.
func (m *Manager) RegisterClick(p models.Point) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateAwaitingPoint1:
		m.points = append(m.points[:0], p)
		m.state = StateAwaitingPoint2
		return true
	case StateAwaitingPoint2:
		m.points = append(m.points, p)
		m.state = StateAwaitingDistance
		return true
	default:
		return false
	}
}

// Commit derives the scale from the two picked points and realDistance,
// replaces the page's calibration and moves to StateCommitted.
// On failure the manager stays in StateAwaitingDistance.
func (m *Manager) Commit(ctx context.Context, realDistance float64, unit models.Unit, scaleRatio string) (*models.Calibration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaitingDistance {
		return nil, &models.ValidationError{Field: "state", Reason: fmt.Sprintf("cannot commit in state %s", m.state)}
	}
	if realDistance <= 0 || math.IsInf(realDistance, 0) || math.IsNaN(realDistance) {
		return nil, &models.ValidationError{Field: "realDistance", Reason: "must be a positive number"}
	}
	if unit == "" {
		unit = models.UnitMeter
	}
	if !unit.Valid() {
		return nil, &models.ValidationError{Field: "unit", Reason: fmt.Sprintf("unsupported unit %q", unit)}
	}

	px := geometry.Distance(m.points[0], m.points[1])
	if px <= 0 {
		return nil, &models.ValidationError{Field: "points", Reason: "calibration points coincide"}
	}

	ppu := px / realDistance
	cal := &models.Calibration{
		ID:             uuid.New().String(),
		PlanID:         m.planID,
		Page:           m.page,
		Point1:         m.points[0],
		Point2:         m.points[1],
		RealDistance:   realDistance,
		RealUnit:       unit,
		PixelsPerUnit:  ppu,
		PixelsPerMeter: ppu / unit.Meters(),
		ScaleRatio:     scaleRatio,
		CreatedAt:      m.now(),
	}

	if err := m.repo.ReplaceCalibration(ctx, cal); err != nil {
		return nil, &models.PersistenceError{Op: "saving calibration", Err: err}
	}

	m.active = cal
	m.points = m.points[:0]
	m.state = StateCommitted
	return cal, nil
}

// Cancel returns to StateIdle and discards uncommitted points.
// The active calibration is kept.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = m.points[:0]
	m.state = StateIdle
}

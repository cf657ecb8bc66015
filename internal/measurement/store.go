// Package measurement owns the takeoff measurements of a project and keeps
// them in sync with the persistence backend.
package measurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plan-takeoff/backend/internal/geometry"
	"github.com/plan-takeoff/backend/internal/models"
)

// Repository is the persistence backend of measurements.
type Repository interface {
	InsertMeasurement(ctx context.Context, m *models.Measurement) error
	UpdateMeasurement(ctx context.Context, m *models.Measurement) error
	// DeleteMeasurement removes id only when it belongs to projectID.
	DeleteMeasurement(ctx context.Context, projectID, id string) error
	// UpsertMeasurements saves the whole batch in one transaction or nothing.
	// An id stored under another project fails the batch with ErrForeignRecord.
	UpsertMeasurements(ctx context.Context, batch []*models.Measurement) error
	ListMeasurements(ctx context.Context, f models.MeasurementFilter) ([]*models.Measurement, error)
}

// CalibrationSource returns the active calibration of a page, or an error
// wrapping models.ErrNotFound.
type CalibrationSource interface {
	GetCalibration(ctx context.Context, planID string, page int) (*models.Calibration, error)
}

// PriceLookup supplies unit prices for categories.
type PriceLookup interface {
	UnitPrice(category string) float64
}

// Draft is a shape to be added as a measurement.
type Draft struct {
	PlanID   string                 `json:"planId"`
	Page     int                    `json:"page"`
	Type     models.MeasurementType `json:"type"`
	Points   []models.Point         `json:"points"`
	Label    string                 `json:"label"`
	Category string                 `json:"category"`
	Color    string                 `json:"color"`
	Notes    string                 `json:"notes"`

	// UnitPrice overrides the catalog price when set.
	UnitPrice *float64 `json:"unitPrice,omitempty"`

	// Calibration is used instead of looking one up when set.
	Calibration *models.Calibration `json:"-"`
}

// Store is the single writer of one project's measurements.
// The in-memory collection keeps creation order.
type Store struct {
	projectID string
	repo      Repository
	cals      CalibrationSource
	prices    PriceLookup
	now       func() time.Time
	log       *slog.Logger

	mu    sync.RWMutex
	items []*models.Measurement
}

// Option configures a Store.
type Option func(*Store)

// WithCalibrations sets where page calibrations are looked up.
func WithCalibrations(src CalibrationSource) Option {
	return func(s *Store) { s.cals = src }
}

// WithPrices sets the catalog used when a draft has no unit price.
func WithPrices(p PriceLookup) Option {
	return func(s *Store) { s.prices = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates an empty store for projectID. Call Load to read the
// persisted measurements.
func NewStore(projectID string, repo Repository, opts ...Option) *Store {
	s := &Store{
		projectID: projectID,
		repo:      repo,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "store", "project", projectID)
	return s
}

// ProjectID returns the project the store belongs to.
func (s *Store) ProjectID() string { return s.projectID }

// Load replaces the in-memory collection with the persisted one.
func (s *Store) Load(ctx context.Context) error {
	list, err := s.repo.ListMeasurements(ctx, models.MeasurementFilter{ProjectID: s.projectID})
	if err != nil {
		return &models.PersistenceError{Op: "loading measurements", Err: err}
	}
	for _, m := range list {
		m.SyncState = models.SyncConfirmed
	}

	s.mu.Lock()
	s.items = list
	s.mu.Unlock()
	return nil
}

func validateShape(t models.MeasurementType, points []models.Point) error {
	if !t.Valid() {
		return &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown measurement type %q", t)}
	}
	if len(points) < t.MinPoints() {
		return &models.ValidationError{Field: "points", Reason: fmt.Sprintf("%s needs at least %d points, got %d", t, t.MinPoints(), len(points))}
	}
	for i, p := range points {
		if !finite(p.X) || !finite(p.Y) {
			return &models.ValidationError{Field: "points", Reason: fmt.Sprintf("point %d is not finite", i)}
		}
	}
	return nil
}

func validatePrice(p *float64) error {
	if p != nil && (!finite(*p) || *p < 0) {
		return &models.ValidationError{Field: "unitPrice", Reason: "must be a non-negative number"}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// calibrationFor returns the calibration a draft is measured with. A page
// without calibration yields nil and the measurement gets value 0.
func (s *Store) calibrationFor(ctx context.Context, planID string, page int) (*models.Calibration, error) {
	if s.cals == nil || planID == "" {
		return nil, nil
	}
	cal, err := s.cals.GetCalibration(ctx, planID, page)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "loading calibration", Err: err}
	}
	return cal, nil
}

func (s *Store) unitPrice(category string, override *float64) float64 {
	if override != nil {
		return *override
	}
	if s.prices == nil {
		return 0
	}
	return s.prices.UnitPrice(category)
}

// Add computes the value of a drawn shape, appends it as pending and
// persists it. When persistence fails the measurement stays in memory as
// failed and is returned together with a *models.PersistenceError.
func (s *Store) Add(ctx context.Context, d Draft) (*models.Measurement, error) {
	if err := validateShape(d.Type, d.Points); err != nil {
		return nil, err
	}
	if err := validatePrice(d.UnitPrice); err != nil {
		return nil, err
	}

	cal := d.Calibration
	if cal == nil {
		var err error
		if cal, err = s.calibrationFor(ctx, d.PlanID, d.Page); err != nil {
			return nil, err
		}
	}
	var (
		ppu  float64
		unit models.Unit
	)
	if cal != nil {
		ppu, unit = cal.PixelsPerUnit, cal.RealUnit
	}
	value, unitLabel := geometry.Measure(d.Type, d.Points, ppu, unit)
	price := s.unitPrice(d.Category, d.UnitPrice)

	now := s.now()
	m := &models.Measurement{
		ID:         uuid.New().String(),
		ProjectID:  s.projectID,
		PlanID:     d.PlanID,
		Page:       d.Page,
		Type:       d.Type,
		Points:     append([]models.Point(nil), d.Points...),
		Value:      value,
		Unit:       unitLabel,
		Label:      d.Label,
		Category:   d.Category,
		Color:      d.Color,
		UnitPrice:  price,
		TotalPrice: value * price,
		Notes:      d.Notes,
		SyncState:  models.SyncPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	s.items = append(s.items, m)
	pending := clone(m)
	s.mu.Unlock()

	if err := s.repo.InsertMeasurement(ctx, pending); err != nil {
		s.log.Warn("measurement not persisted", "id", m.ID, "error", err)
		return s.markSync(m.ID, models.SyncFailed), &models.PersistenceError{Op: "saving measurement", Err: err}
	}
	return s.markSync(m.ID, models.SyncConfirmed), nil
}

// Update changes the editable fields of a measurement. Value, unit and
// points never change. The change is kept in memory even when persisting
// it fails; the measurement is then marked failed.
func (s *Store) Update(ctx context.Context, id string, patch models.MeasurementPatch) (*models.Measurement, error) {
	if err := validatePrice(patch.UnitPrice); err != nil {
		return nil, err
	}

	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("measurement %s: %w", id, models.ErrNotFound)
	}
	m := s.items[i]
	wasConfirmed := m.SyncState == models.SyncConfirmed
	patch.Apply(m)
	m.UpdatedAt = s.now()
	m.SyncState = models.SyncPending
	snapshot := clone(m)
	s.mu.Unlock()

	var err error
	if wasConfirmed {
		err = s.repo.UpdateMeasurement(ctx, snapshot)
	} else {
		err = s.repo.UpsertMeasurements(ctx, []*models.Measurement{snapshot})
	}
	if err != nil {
		s.log.Warn("measurement update not persisted", "id", id, "error", err)
		return s.markSync(id, models.SyncFailed), &models.PersistenceError{Op: "updating measurement", Err: err}
	}
	return s.markSync(id, models.SyncConfirmed), nil
}

// Delete removes a measurement from the backend, then from memory.
// Deleting an id the project does not own is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	owned := s.indexLocked(id) >= 0
	s.mu.RUnlock()
	if !owned {
		return nil
	}

	if err := s.repo.DeleteMeasurement(ctx, s.projectID, id); err != nil {
		return &models.PersistenceError{Op: "deleting measurement", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.items = append(s.items[:i], s.items[i+1:]...)
	}
	return nil
}

// Retry persists a pending or failed measurement again.
func (s *Store) Retry(ctx context.Context, id string) (*models.Measurement, error) {
	s.mu.RLock()
	i := s.indexLocked(id)
	var snapshot *models.Measurement
	if i >= 0 {
		snapshot = clone(s.items[i])
	}
	s.mu.RUnlock()

	if snapshot == nil {
		return nil, fmt.Errorf("measurement %s: %w", id, models.ErrNotFound)
	}
	if snapshot.SyncState == models.SyncConfirmed {
		return snapshot, nil
	}

	snapshot.SyncState = models.SyncPending
	if err := s.repo.UpsertMeasurements(ctx, []*models.Measurement{snapshot}); err != nil {
		return s.markSync(id, models.SyncFailed), &models.PersistenceError{Op: "retrying measurement", Err: err}
	}
	return s.markSync(id, models.SyncConfirmed), nil
}

// BatchSave upserts measurements in one round-trip. Records whose id is
// already known keep their stored geometry and value; other records are
// measured like Add. Either every record is saved or none is, and the
// in-memory collection only changes on success.
func (s *Store) BatchSave(ctx context.Context, batch []*models.Measurement) ([]*models.Measurement, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	known := make(map[string]*models.Measurement, len(batch))
	for _, m := range batch {
		if m == nil || m.ID == "" {
			continue
		}
		if i := s.indexLocked(m.ID); i >= 0 {
			known[m.ID] = clone(s.items[i])
		}
	}
	s.mu.RUnlock()

	now := s.now()
	prepared := make([]*models.Measurement, len(batch))
	for i, in := range batch {
		if in == nil {
			return nil, &models.BatchError{Index: i, Err: &models.ValidationError{Field: "record", Reason: "is empty"}}
		}
		id := in.ID
		if err := validatePrice(&in.UnitPrice); err != nil {
			return nil, &models.BatchError{Index: i, ID: id, Err: err}
		}

		if prev, ok := known[id]; ok {
			m := clone(prev)
			patch := models.MeasurementPatch{Label: &in.Label, Category: &in.Category, Color: &in.Color, UnitPrice: &in.UnitPrice, Notes: &in.Notes}
			patch.Apply(m)
			m.UpdatedAt = now
			prepared[i] = m
			continue
		}

		if err := validateShape(in.Type, in.Points); err != nil {
			return nil, &models.BatchError{Index: i, ID: id, Err: err}
		}
		cal, err := s.calibrationFor(ctx, in.PlanID, in.Page)
		if err != nil {
			return nil, &models.BatchError{Index: i, ID: id, Err: err}
		}
		var (
			ppu  float64
			unit models.Unit
		)
		if cal != nil {
			ppu, unit = cal.PixelsPerUnit, cal.RealUnit
		}
		value, unitLabel := geometry.Measure(in.Type, in.Points, ppu, unit)

		m := clone(in)
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.ProjectID = s.projectID
		m.Value = value
		m.Unit = unitLabel
		m.TotalPrice = value * m.UnitPrice
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		prepared[i] = m
	}

	for _, m := range prepared {
		m.SyncState = models.SyncConfirmed
	}
	if err := s.repo.UpsertMeasurements(ctx, prepared); err != nil {
		var berr *models.BatchError
		if errors.As(err, &berr) {
			return nil, berr
		}
		return nil, &models.PersistenceError{Op: "saving measurement batch", Err: err}
	}

	s.mu.Lock()
	out := make([]*models.Measurement, len(prepared))
	for i, m := range prepared {
		if j := s.indexLocked(m.ID); j >= 0 {
			s.items[j] = m
		} else {
			s.items = append(s.items, m)
		}
		out[i] = clone(m)
	}
	s.mu.Unlock()

	s.log.Info("saved measurement batch", "count", len(prepared))
	return out, nil
}

// ForgetPlan drops the measurements of a deleted plan from memory.
func (s *Store) ForgetPlan(planID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	for _, m := range s.items {
		if m.PlanID != planID {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = nil
	}
	s.items = kept
}

// Get returns a copy of one measurement.
func (s *Store) Get(id string) (*models.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("measurement %s: %w", id, models.ErrNotFound)
	}
	return clone(s.items[i]), nil
}

// List returns copies of the measurements matching f, in creation order.
// The project of f is ignored.
func (s *Store) List(f models.MeasurementFilter) []*models.Measurement {
	f.ProjectID = ""
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Measurement, 0, len(s.items))
	for _, m := range s.items {
		if f.Match(m) {
			out = append(out, clone(m))
		}
	}
	return out
}

// Len returns the number of measurements in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// StatsByCategory aggregates the in-memory collection per category.
func (s *Store) StatsByCategory() map[string]models.CategoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]models.CategoryStats)
	for _, m := range s.items {
		st := stats[m.Category]
		st.Count++
		st.TotalValue += m.Value
		st.TotalPrice += m.TotalPrice
		stats[m.Category] = st
	}
	return stats
}

func (s *Store) indexLocked(id string) int {
	for i, m := range s.items {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// markSync sets the sync state of id and returns a copy, or nil if the
// measurement was deleted meanwhile.
func (s *Store) markSync(id string, state models.SyncState) *models.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return nil
	}
	s.items[i].SyncState = state
	return clone(s.items[i])
}

func clone(m *models.Measurement) *models.Measurement {
	cp := *m
	cp.Points = append([]models.Point(nil), m.Points...)
	return &cp
}

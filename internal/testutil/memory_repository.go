// memory_repository.go - In-memory persistence backend for tests
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/plan-takeoff/backend/internal/models"
)

// MemoryRepository keeps plans, calibrations and measurements in maps.
// Failures can be injected per operation with FailOn.
type MemoryRepository struct {
	mu           sync.Mutex
	plans        map[string]*models.Plan
	calibrations map[string]*models.Calibration // planID/page -> active
	measurements map[string]*models.Measurement
	order        []string
	failures     map[string]error
	calls        map[string]int
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		plans:        make(map[string]*models.Plan),
		calibrations: make(map[string]*models.Calibration),
		measurements: make(map[string]*models.Measurement),
		failures:     make(map[string]error),
		calls:        make(map[string]int),
	}
}

// FailOn makes every later call of op return err. A nil err clears it.
func (r *MemoryRepository) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = err
}

// Calls returns how many times op was invoked.
func (r *MemoryRepository) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// MeasurementCount returns the number of stored measurements.
func (r *MemoryRepository) MeasurementCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.measurements)
}

func (r *MemoryRepository) enter(op string) error {
	r.calls[op]++
	return r.failures[op]
}

func calKey(planID string, page int) string {
	return fmt.Sprintf("%s/%d", planID, page)
}

func (r *MemoryRepository) CreatePlan(ctx context.Context, p *models.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("CreatePlan"); err != nil {
		return err
	}
	cp := *p
	r.plans[p.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("GetPlan"); err != nil {
		return nil, err
	}
	p, ok := r.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, models.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) ListPlans(ctx context.Context, projectID string) ([]*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("ListPlans"); err != nil {
		return nil, err
	}
	var out []*models.Plan
	for _, p := range r.plans {
		if p.ProjectID == projectID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}

func (r *MemoryRepository) DeletePlan(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("DeletePlan"); err != nil {
		return err
	}
	delete(r.plans, id)
	for k, c := range r.calibrations {
		if c.PlanID == id {
			delete(r.calibrations, k)
		}
	}
	kept := r.order[:0]
	for _, mid := range r.order {
		if m, ok := r.measurements[mid]; ok && m.PlanID == id {
			delete(r.measurements, mid)
			continue
		}
		kept = append(kept, mid)
	}
	r.order = kept
	return nil
}

func (r *MemoryRepository) ReplaceCalibration(ctx context.Context, cal *models.Calibration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("ReplaceCalibration"); err != nil {
		return err
	}
	cp := *cal
	r.calibrations[calKey(cal.PlanID, cal.Page)] = &cp
	return nil
}

func (r *MemoryRepository) GetCalibration(ctx context.Context, planID string, page int) (*models.Calibration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("GetCalibration"); err != nil {
		return nil, err
	}
	c, ok := r.calibrations[calKey(planID, page)]
	if !ok {
		return nil, fmt.Errorf("calibration %s: %w", calKey(planID, page), models.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) InsertMeasurement(ctx context.Context, m *models.Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("InsertMeasurement"); err != nil {
		return err
	}
	r.put(m)
	return nil
}

func (r *MemoryRepository) UpdateMeasurement(ctx context.Context, m *models.Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("UpdateMeasurement"); err != nil {
		return err
	}
	if prev, ok := r.measurements[m.ID]; !ok || prev.ProjectID != m.ProjectID {
		return fmt.Errorf("measurement %s: %w", m.ID, models.ErrNotFound)
	}
	r.put(m)
	return nil
}

func (r *MemoryRepository) DeleteMeasurement(ctx context.Context, projectID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("DeleteMeasurement"); err != nil {
		return err
	}
	if prev, ok := r.measurements[id]; !ok || prev.ProjectID != projectID {
		return nil
	}
	delete(r.measurements, id)
	for i, mid := range r.order {
		if mid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// UpsertMeasurements applies the whole batch or nothing. A record with an
// empty ID or unknown type, or one stored under another project, fails the
// batch.
func (r *MemoryRepository) UpsertMeasurements(ctx context.Context, batch []*models.Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("UpsertMeasurements"); err != nil {
		return err
	}
	for i, m := range batch {
		if m.ID == "" || !m.Type.Valid() {
			return &models.BatchError{Index: i, ID: m.ID, Err: fmt.Errorf("malformed record")}
		}
		if prev, ok := r.measurements[m.ID]; ok && prev.ProjectID != m.ProjectID {
			return &models.BatchError{Index: i, ID: m.ID, Err: models.ErrForeignRecord}
		}
	}
	for _, m := range batch {
		r.put(m)
	}
	return nil
}

func (r *MemoryRepository) ListMeasurements(ctx context.Context, f models.MeasurementFilter) ([]*models.Measurement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("ListMeasurements"); err != nil {
		return nil, err
	}
	var out []*models.Measurement
	for _, id := range r.order {
		m := r.measurements[id]
		if f.Match(m) {
			cp := *m
			cp.Points = append([]models.Point(nil), m.Points...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) put(m *models.Measurement) {
	if _, ok := r.measurements[m.ID]; !ok {
		r.order = append(r.order, m.ID)
	}
	cp := *m
	cp.Points = append([]models.Point(nil), m.Points...)
	r.measurements[m.ID] = &cp
}

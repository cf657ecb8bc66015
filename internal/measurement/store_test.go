package measurement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plan-takeoff/backend/internal/models"
	"github.com/plan-takeoff/backend/internal/testutil"
)

type flatPrices map[string]float64

func (p flatPrices) UnitPrice(category string) float64 { return p[category] }

func ptr[T any](v T) *T { return &v }

func calibrate(t *testing.T, repo *testutil.MemoryRepository, planID string, page int, ppu float64, unit models.Unit) {
	t.Helper()
	require.NoError(t, repo.ReplaceCalibration(context.Background(), &models.Calibration{
		ID: "cal-" + planID, PlanID: planID, Page: page, PixelsPerUnit: ppu, RealUnit: unit,
	}))
}

func newTestStore(t *testing.T) (*Store, *testutil.MemoryRepository) {
	t.Helper()
	repo := testutil.NewMemoryRepository()
	calibrate(t, repo, "plan-1", 1, 10, models.UnitMeter)
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore("proj-1", repo,
		WithCalibrations(repo),
		WithPrices(flatPrices{"Concrete": 100, "Drywall": 20}),
		WithClock(func() time.Time { return clock }),
	)
	return s, repo
}

func lineDraft() Draft {
	return Draft{
		PlanID:   "plan-1",
		Page:     1,
		Type:     models.MeasurementLine,
		Points:   []models.Point{{X: 0, Y: 0}, {X: 30, Y: 40}},
		Label:    "Wall A",
		Category: "Drywall",
	}
}

func TestAdd_ComputesAndPersists(t *testing.T) {
	s, repo := newTestStore(t)

	m, err := s.Add(context.Background(), lineDraft())
	require.NoError(t, err)

	assert.InDelta(t, 5.0, m.Value, 1e-9)
	assert.Equal(t, "m", m.Unit)
	assert.Equal(t, 20.0, m.UnitPrice, "price from catalog")
	assert.InDelta(t, 100.0, m.TotalPrice, 1e-9)
	assert.Equal(t, models.SyncConfirmed, m.SyncState)
	assert.Equal(t, "proj-1", m.ProjectID)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, 1, repo.MeasurementCount())
}

func TestAdd_AreaUnits(t *testing.T) {
	s, _ := newTestStore(t)

	rect, err := s.Add(context.Background(), Draft{
		PlanID: "plan-1", Page: 1, Type: models.MeasurementRectangle,
		Points: []models.Point{{X: 0, Y: 0}, {X: 20, Y: 10}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, rect.Value, 1e-9)
	assert.Equal(t, "m²", rect.Unit)

	count, err := s.Add(context.Background(), Draft{
		PlanID: "plan-1", Page: 1, Type: models.MeasurementCount,
		Points: []models.Point{{X: 1, Y: 1}, {X: 5, Y: 5}, {X: 9, Y: 9}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3.0, count.Value)
	assert.Equal(t, "unit", count.Unit)
}

func TestAdd_ExplicitPriceAndCalibration(t *testing.T) {
	s, _ := newTestStore(t)
	d := lineDraft()
	d.UnitPrice = ptr(2.5)
	d.Calibration = &models.Calibration{PixelsPerUnit: 5, RealUnit: models.UnitFoot}

	m, err := s.Add(context.Background(), d)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, m.Value, 1e-9)
	assert.Equal(t, "ft", m.Unit)
	assert.InDelta(t, 25.0, m.TotalPrice, 1e-9)
}

func TestAdd_UncalibratedPageYieldsZero(t *testing.T) {
	s, _ := newTestStore(t)
	d := lineDraft()
	d.Page = 7

	m, err := s.Add(context.Background(), d)
	require.NoError(t, err)
	assert.Zero(t, m.Value)
	assert.Zero(t, m.TotalPrice)
}

func TestAdd_Validation(t *testing.T) {
	s, repo := newTestStore(t)

	tests := []struct {
		name  string
		draft Draft
		field string
	}{
		{"unknown type", Draft{Type: "circle", Points: []models.Point{{}, {}}}, "type"},
		{"line with one point", Draft{Type: models.MeasurementLine, Points: []models.Point{{}}}, "points"},
		{"polygon with two points", Draft{Type: models.MeasurementPolygon, Points: []models.Point{{}, {X: 1}}}, "points"},
		{"empty count", Draft{Type: models.MeasurementCount}, "points"},
		{"negative price", Draft{Type: models.MeasurementCount, Points: []models.Point{{}}, UnitPrice: ptr(-1.0)}, "unitPrice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Add(context.Background(), tt.draft)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Zero(t, s.Len())
	assert.Zero(t, repo.MeasurementCount())
}

func TestAdd_PersistenceFailureKeepsShape(t *testing.T) {
	s, repo := newTestStore(t)
	repo.FailOn("InsertMeasurement", errors.New("connection reset"))

	m, err := s.Add(context.Background(), lineDraft())
	var perr *models.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.NotNil(t, m)
	assert.Equal(t, models.SyncFailed, m.SyncState)
	assert.Equal(t, 1, s.Len(), "drawn shape is not discarded")

	repo.FailOn("InsertMeasurement", nil)
	retried, err := s.Retry(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncConfirmed, retried.SyncState)
	assert.Equal(t, 1, repo.MeasurementCount())
}

func TestAdd_PreservesCreationOrder(t *testing.T) {
	s, _ := newTestStore(t)
	var ids []string
	for _, label := range []string{"a", "b", "c"} {
		d := lineDraft()
		d.Label = label
		m, err := s.Add(context.Background(), d)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	var got []string
	for _, m := range s.List(models.MeasurementFilter{}) {
		got = append(got, m.ID)
	}
	assert.Equal(t, ids, got)
}

func TestUpdate_PreservesValue(t *testing.T) {
	s, repo := newTestStore(t)
	m, err := s.Add(context.Background(), lineDraft())
	require.NoError(t, err)

	updated, err := s.Update(context.Background(), m.ID, models.MeasurementPatch{UnitPrice: ptr(7.0), Label: ptr("Wall B")})
	require.NoError(t, err)

	assert.Equal(t, m.Value, updated.Value)
	assert.Equal(t, m.Unit, updated.Unit)
	assert.Equal(t, m.Points, updated.Points)
	assert.Equal(t, m.Value*7.0, updated.TotalPrice)
	assert.Equal(t, "Wall B", updated.Label)
	assert.Equal(t, 1, repo.Calls("UpdateMeasurement"))

	stored, err := repo.ListMeasurements(context.Background(), models.MeasurementFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 7.0, stored[0].UnitPrice)
}

func TestUpdate_UnknownID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update(context.Background(), "missing", models.MeasurementPatch{Label: ptr("x")})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdate_FailedMeasurementIsUpserted(t *testing.T) {
	s, repo := newTestStore(t)
	repo.FailOn("InsertMeasurement", errors.New("timeout"))
	m, _ := s.Add(context.Background(), lineDraft())
	repo.FailOn("InsertMeasurement", nil)

	updated, err := s.Update(context.Background(), m.ID, models.MeasurementPatch{Notes: ptr("checked")})
	require.NoError(t, err)
	assert.Equal(t, models.SyncConfirmed, updated.SyncState)
	assert.Zero(t, repo.Calls("UpdateMeasurement"))
	assert.Equal(t, 1, repo.Calls("UpsertMeasurements"))
	assert.Equal(t, 1, repo.MeasurementCount())
}

func TestUpdate_PersistenceFailureKeepsChange(t *testing.T) {
	s, repo := newTestStore(t)
	m, err := s.Add(context.Background(), lineDraft())
	require.NoError(t, err)

	repo.FailOn("UpdateMeasurement", errors.New("read-only"))
	updated, err := s.Update(context.Background(), m.ID, models.MeasurementPatch{Category: ptr("Concrete")})
	var perr *models.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Concrete", updated.Category)
	assert.Equal(t, models.SyncFailed, updated.SyncState)
}

func TestDelete_Idempotent(t *testing.T) {
	s, repo := newTestStore(t)
	keep, err := s.Add(context.Background(), lineDraft())
	require.NoError(t, err)
	drop, err := s.Add(context.Background(), lineDraft())
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), drop.ID))
	after := s.List(models.MeasurementFilter{})

	require.NoError(t, s.Delete(context.Background(), drop.ID))
	assert.Empty(t, cmp.Diff(after, s.List(models.MeasurementFilter{})))
	require.Len(t, after, 1)
	assert.Equal(t, keep.ID, after[0].ID)
	assert.Equal(t, 1, repo.MeasurementCount())
}

func TestDelete_PersistenceFailure(t *testing.T) {
	s, repo := newTestStore(t)
	m, err := s.Add(context.Background(), lineDraft())
	require.NoError(t, err)

	repo.FailOn("DeleteMeasurement", errors.New("locked"))
	err = s.Delete(context.Background(), m.ID)
	var perr *models.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, s.Len())
}

func TestDelete_OtherProjectUntouched(t *testing.T) {
	s, repo := newTestStore(t)
	other := NewStore("proj-2", repo, WithCalibrations(repo))
	theirs, err := other.Add(context.Background(), lineDraft())
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), theirs.ID))

	assert.Equal(t, 1, repo.MeasurementCount())
	assert.Equal(t, 1, other.Len())
	assert.Zero(t, repo.Calls("DeleteMeasurement"), "ids the store does not own are not forwarded")
}

func TestBatchSave_RejectsForeignID(t *testing.T) {
	s, repo := newTestStore(t)
	other := NewStore("proj-2", repo, WithCalibrations(repo))
	theirs, err := other.Add(context.Background(), lineDraft())
	require.NoError(t, err)

	_, err = s.BatchSave(context.Background(), []*models.Measurement{{
		ID: theirs.ID, PlanID: "plan-1", Page: 1, Type: models.MeasurementLine,
		Points: []models.Point{{X: 0, Y: 0}, {X: 100, Y: 0}}, UnitPrice: 9,
	}})

	var berr *models.BatchError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, 0, berr.Index)
	assert.ErrorIs(t, err, models.ErrForeignRecord)
	assert.Zero(t, s.Len())

	stored, err := repo.ListMeasurements(context.Background(), models.MeasurementFilter{ProjectID: "proj-2"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Empty(t, cmp.Diff(theirs.TotalPrice, stored[0].TotalPrice))
}

func TestBatchSave_Atomic(t *testing.T) {
	s, repo := newTestStore(t)

	batch := []*models.Measurement{
		{ID: "m-1", PlanID: "plan-1", Page: 1, Type: models.MeasurementLine, Points: []models.Point{{X: 0, Y: 0}, {X: 10, Y: 0}}},
		{ID: "m-2", PlanID: "plan-1", Page: 1, Type: models.MeasurementPolygon, Points: []models.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}},
		{ID: "m-3", PlanID: "plan-1", Page: 1, Type: models.MeasurementCount, Points: []models.Point{{X: 1, Y: 1}}},
	}

	_, err := s.BatchSave(context.Background(), batch)
	var berr *models.BatchError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, 1, berr.Index)
	assert.Equal(t, "m-2", berr.ID)

	assert.Zero(t, repo.MeasurementCount())
	assert.Zero(t, s.Len())
}

func TestBatchSave_BackendRejectsBatch(t *testing.T) {
	s, repo := newTestStore(t)
	repo.FailOn("UpsertMeasurements", errors.New("constraint violation"))

	_, err := s.BatchSave(context.Background(), []*models.Measurement{
		{Type: models.MeasurementCount, Points: []models.Point{{X: 1, Y: 1}}},
	})
	var perr *models.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Zero(t, s.Len())
}

func TestBatchSave_UpsertsKnownAndNew(t *testing.T) {
	s, repo := newTestStore(t)
	existing, err := s.Add(context.Background(), lineDraft())
	require.NoError(t, err)

	saved, err := s.BatchSave(context.Background(), []*models.Measurement{
		{
			ID: existing.ID, Type: models.MeasurementLine,
			Points: []models.Point{{X: 0, Y: 0}, {X: 999, Y: 0}},
			Value:  12345, Label: "renamed", Category: "Drywall", UnitPrice: 3,
		},
		{PlanID: "plan-1", Page: 1, Type: models.MeasurementPolygon, Category: "Concrete", UnitPrice: 100,
			Points: []models.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}},
	})
	require.NoError(t, err)
	require.Len(t, saved, 2)

	assert.Equal(t, existing.Value, saved[0].Value, "known geometry is not replaced")
	assert.Equal(t, existing.Points, saved[0].Points)
	assert.Equal(t, "renamed", saved[0].Label)
	assert.InDelta(t, existing.Value*3, saved[0].TotalPrice, 1e-9)

	assert.NotEmpty(t, saved[1].ID)
	assert.InDelta(t, 1.0, saved[1].Value, 1e-9)
	assert.Equal(t, "m²", saved[1].Unit)
	assert.InDelta(t, 100.0, saved[1].TotalPrice, 1e-9)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, repo.MeasurementCount())
	assert.Equal(t, 1, repo.Calls("UpsertMeasurements"))
}

func TestStatsByCategory(t *testing.T) {
	s, _ := newTestStore(t)
	for _, cat := range []string{"Drywall", "Drywall", "Concrete"} {
		d := lineDraft()
		d.Category = cat
		_, err := s.Add(context.Background(), d)
		require.NoError(t, err)
	}

	stats := s.StatsByCategory()
	want := map[string]models.CategoryStats{
		"Drywall":  {Count: 2, TotalValue: 10, TotalPrice: 200},
		"Concrete": {Count: 1, TotalValue: 5, TotalPrice: 500},
	}
	assert.Empty(t, cmp.Diff(want, stats))
}

func TestLoadAndForgetPlan(t *testing.T) {
	s, repo := newTestStore(t)
	_, err := s.Add(context.Background(), lineDraft())
	require.NoError(t, err)
	other := lineDraft()
	other.PlanID = "plan-2"
	_, err = s.Add(context.Background(), other)
	require.NoError(t, err)

	fresh := NewStore("proj-1", repo)
	require.NoError(t, fresh.Load(context.Background()))
	assert.Equal(t, 2, fresh.Len())
	for _, m := range fresh.List(models.MeasurementFilter{}) {
		assert.Equal(t, models.SyncConfirmed, m.SyncState)
	}

	fresh.ForgetPlan("plan-2")
	list := fresh.List(models.MeasurementFilter{})
	require.Len(t, list, 1)
	assert.Equal(t, "plan-1", list[0].PlanID)

	assert.Len(t, fresh.List(models.MeasurementFilter{PlanID: "plan-1", Page: 1}), 1)
	assert.Empty(t, fresh.List(models.MeasurementFilter{Page: 3}))
}

func TestRegistry(t *testing.T) {
	repo := testutil.NewMemoryRepository()
	reg := NewRegistry(repo)

	a, err := reg.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	b, err := reg.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, repo.Calls("ListMeasurements"))

	reg.Evict("proj-1")
	_, ok := reg.Loaded("proj-1")
	assert.False(t, ok)

	repo.FailOn("ListMeasurements", errors.New("offline"))
	_, err = reg.Get(context.Background(), "proj-2")
	var perr *models.PersistenceError
	assert.ErrorAs(t, err, &perr)
}

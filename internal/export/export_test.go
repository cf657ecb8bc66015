package export

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plan-takeoff/backend/internal/models"
)

func sample() []*models.Measurement {
	return []*models.Measurement{
		{Type: models.MeasurementLine, Label: "North wall", Category: "Drywall", Page: 2, Value: 12, Unit: "m", UnitPrice: 20},
		{Type: models.MeasurementCount, Category: "", Value: 4, Unit: "unit", UnitPrice: 95},
		{Type: models.MeasurementPolygon, Label: "Slab", Category: "Concrete", Page: 1, Value: 30, Unit: "m²", UnitPrice: 185},
		{Type: models.MeasurementLine, Label: "South wall", Category: "Drywall", Page: 2, Value: 8, Unit: "m", UnitPrice: 20},
	}
}

func TestLineItems(t *testing.T) {
	items := LineItems(sample())

	want := []models.LineItem{
		{Description: "Slab (p. 1)", Quantity: 30, Unit: "m²", UnitPrice: 185, Category: "Concrete"},
		{Description: "North wall (p. 2)", Quantity: 12, Unit: "m", UnitPrice: 20, Category: "Drywall"},
		{Description: "South wall (p. 2)", Quantity: 8, Unit: "m", UnitPrice: 20, Category: "Drywall"},
		{Description: "count measurement", Quantity: 4, Unit: "unit", UnitPrice: 95, Category: Uncategorized},
	}
	assert.Empty(t, cmp.Diff(want, items))
}

func TestGrouped(t *testing.T) {
	groups := Grouped(sample())
	require.Len(t, groups, 3)

	assert.Equal(t, "Concrete", groups[0].Category)
	assert.InDelta(t, 5550.0, groups[0].Subtotal, 1e-9)

	assert.Equal(t, "Drywall", groups[1].Category)
	assert.Len(t, groups[1].Items, 2)
	assert.InDelta(t, 400.0, groups[1].Subtotal, 1e-9)

	assert.Equal(t, Uncategorized, groups[2].Category)
	assert.InDelta(t, 380.0, groups[2].Subtotal, 1e-9)

	assert.InDelta(t, 6330.0, Total(groups), 1e-9)
}

func TestGrouped_Empty(t *testing.T) {
	assert.Empty(t, Grouped(nil))
	assert.Zero(t, Total(nil))
}

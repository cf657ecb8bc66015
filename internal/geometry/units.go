package geometry

import "github.com/plan-takeoff/backend/internal/models"

// CountLabel is the unit of count measurements.
const CountLabel = "unit"

// LinearLabel returns the display unit for a length measured in u.
func LinearLabel(u models.Unit) string {
	if u == "" {
		return string(models.UnitMeter)
	}
	return string(u)
}

// AreaLabel returns the display unit for an area measured in u.
func AreaLabel(u models.Unit) string {
	return LinearLabel(u) + "²"
}

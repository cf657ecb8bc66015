// Package geometry converts pixel-space point sequences into real-world
// lengths, areas and counts.
//
// All functions are pure. A non-positive or non-finite pixelsPerUnit means the
// page is not calibrated, and every measurement comes out as 0.
package geometry

import (
	"math"

	"github.com/plan-takeoff/backend/internal/models"
)

// Distance returns the euclidean distance between a and b in pixels.
func Distance(a, b models.Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

func calibrated(ppu float64) bool {
	return ppu > 0 && !math.IsInf(ppu, 0) && !math.IsNaN(ppu)
}

// Length returns the length of the polyline through points, in units.
func Length(points []models.Point, pixelsPerUnit float64) float64 {
	if len(points) < 2 || !calibrated(pixelsPerUnit) {
		return 0
	}

	var px float64
	for i := 1; i < len(points); i++ {
		px += Distance(points[i-1], points[i])
	}
	return px / pixelsPerUnit
}

// RectangleArea returns the area of the axis-aligned rectangle spanned by the
// first two points. Further points are ignored.
func RectangleArea(points []models.Point, pixelsPerUnit float64) float64 {
	if len(points) < 2 || !calibrated(pixelsPerUnit) {
		return 0
	}

	w := math.Abs(points[1].X-points[0].X) / pixelsPerUnit
	h := math.Abs(points[1].Y-points[0].Y) / pixelsPerUnit
	return w * h
}

// PolygonArea returns the area enclosed by the closed polygon through points,
// using the shoelace formula. Winding order does not matter.
func PolygonArea(points []models.Point, pixelsPerUnit float64) float64 {
	n := len(points)
	if n < 3 || !calibrated(pixelsPerUnit) {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += points[i].X*points[j].Y - points[j].X*points[i].Y
	}
	return math.Abs(sum) / 2 / (pixelsPerUnit * pixelsPerUnit)
}

// Count returns the number of count marks.
func Count(points []models.Point) float64 {
	return float64(len(points))
}

// Measure computes the value of a shape of type t together with its unit label.
func Measure(t models.MeasurementType, points []models.Point, pixelsPerUnit float64, unit models.Unit) (float64, string) {
	switch t {
	case models.MeasurementLine:
		return Length(points, pixelsPerUnit), LinearLabel(unit)
	case models.MeasurementRectangle:
		return RectangleArea(points, pixelsPerUnit), AreaLabel(unit)
	case models.MeasurementPolygon:
		return PolygonArea(points, pixelsPerUnit), AreaLabel(unit)
	case models.MeasurementCount:
		return Count(points), CountLabel
	default:
		return 0, ""
	}
}

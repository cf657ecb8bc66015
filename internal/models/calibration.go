package models

import "time"

// Unit is a real-world length unit a page can be calibrated in.
type Unit string

const (
	UnitMeter      Unit = "m"
	UnitCentimeter Unit = "cm"
	UnitMillimeter Unit = "mm"
	UnitFoot       Unit = "ft"
	UnitInch       Unit = "in"
)

// metersPer holds the length of one unit in meters.
var metersPer = map[Unit]float64{
	UnitMeter:      1,
	UnitCentimeter: 0.01,
	UnitMillimeter: 0.001,
	UnitFoot:       0.3048,
	UnitInch:       0.0254,
}

// Valid reports whether u is one of the supported units.
func (u Unit) Valid() bool {
	_, ok := metersPer[u]
	return ok
}

// Meters returns the length of one u in meters, or 0 for an unknown unit.
func (u Unit) Meters() float64 {
	return metersPer[u]
}

// Calibration establishes the pixel scale of one page of one plan.
// At most one calibration is active per (plan, page).
type Calibration struct {
	ID             string    `json:"id"`
	PlanID         string    `json:"planId"`
	Page           int       `json:"page"`
	Point1         Point     `json:"point1"`
	Point2         Point     `json:"point2"`
	RealDistance   float64   `json:"realDistance"`
	RealUnit       Unit      `json:"realUnit"`
	PixelsPerUnit  float64   `json:"pixelsPerUnit"`  // pixels per one RealUnit
	PixelsPerMeter float64   `json:"pixelsPerMeter"` // comparable across units
	ScaleRatio     string    `json:"scaleRatio,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

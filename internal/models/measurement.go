package models

import "time"

// MeasurementType is the kind of shape a measurement was drawn as.
type MeasurementType string

const (
	MeasurementLine      MeasurementType = "line"
	MeasurementRectangle MeasurementType = "rectangle"
	MeasurementPolygon   MeasurementType = "polygon"
	MeasurementCount     MeasurementType = "count"
)

// Valid reports whether t is a known measurement type.
func (t MeasurementType) Valid() bool {
	switch t {
	case MeasurementLine, MeasurementRectangle, MeasurementPolygon, MeasurementCount:
		return true
	}
	return false
}

// MinPoints returns the number of points a shape of type t needs.
func (t MeasurementType) MinPoints() int {
	switch t {
	case MeasurementLine, MeasurementRectangle:
		return 2
	case MeasurementPolygon:
		return 3
	default:
		return 1
	}
}

// SyncState tracks whether the backend has acknowledged a measurement.
type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncConfirmed SyncState = "confirmed"
	SyncFailed    SyncState = "failed"
)

// Measurement is a quantity taken off a plan page.
// Value and Unit are a snapshot computed from Points when the measurement
// was created; they never change afterwards.
type Measurement struct {
	ID         string          `json:"id" msgpack:"id"`
	ProjectID  string          `json:"projectId" msgpack:"projectId"`
	PlanID     string          `json:"planId,omitempty" msgpack:"planId,omitempty"`
	Page       int             `json:"page,omitempty" msgpack:"page,omitempty"`
	Type       MeasurementType `json:"type" msgpack:"type"`
	Points     []Point         `json:"points" msgpack:"points"`
	Value      float64         `json:"value" msgpack:"value"`
	Unit       string          `json:"unit" msgpack:"unit"`
	Label      string          `json:"label" msgpack:"label"`
	Category   string          `json:"category" msgpack:"category"`
	Color      string          `json:"color,omitempty" msgpack:"color,omitempty"`
	UnitPrice  float64         `json:"unitPrice" msgpack:"unitPrice"`
	TotalPrice float64         `json:"totalPrice" msgpack:"totalPrice"`
	Notes      string          `json:"notes,omitempty" msgpack:"notes,omitempty"`
	SyncState  SyncState       `json:"syncState" msgpack:"syncState"`
	CreatedAt  time.Time       `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt" msgpack:"updatedAt"`
}

// MeasurementPatch lists the fields that may change after creation.
// Nil fields are left alone.
type MeasurementPatch struct {
	Label     *string  `json:"label,omitempty"`
	Category  *string  `json:"category,omitempty"`
	Color     *string  `json:"color,omitempty"`
	UnitPrice *float64 `json:"unitPrice,omitempty"`
	Notes     *string  `json:"notes,omitempty"`
}

// Apply copies the set fields of p onto m and recomputes the total price.
func (p MeasurementPatch) Apply(m *Measurement) {
	if p.Label != nil {
		m.Label = *p.Label
	}
	if p.Category != nil {
		m.Category = *p.Category
	}
	if p.Color != nil {
		m.Color = *p.Color
	}
	if p.UnitPrice != nil {
		m.UnitPrice = *p.UnitPrice
	}
	if p.Notes != nil {
		m.Notes = *p.Notes
	}
	m.TotalPrice = m.Value * m.UnitPrice
}

// CategoryStats aggregates the measurements of one category.
type CategoryStats struct {
	Count      int     `json:"count"`
	TotalValue float64 `json:"totalValue"`
	TotalPrice float64 `json:"totalPrice"`
}

// MeasurementFilter scopes a measurement listing. Zero fields match everything.
type MeasurementFilter struct {
	ProjectID string
	PlanID    string
	Page      int
}

// Match reports whether m falls inside the filter.
func (f MeasurementFilter) Match(m *Measurement) bool {
	if f.ProjectID != "" && m.ProjectID != f.ProjectID {
		return false
	}
	if f.PlanID != "" && m.PlanID != f.PlanID {
		return false
	}
	if f.Page != 0 && m.Page != f.Page {
		return false
	}
	return true
}

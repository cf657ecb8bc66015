// Package models contains domain types for the plan takeoff engine.
package models

// Point is a position in page-pixel space at the reference zoom and rotation.
type Point struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

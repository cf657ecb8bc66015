package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCalibrated is reported by the interaction layer when a shape is
	// finished on a page without an active calibration.
	ErrNotCalibrated = errors.New("page is not calibrated")

	// ErrNotFound is returned when a plan, measurement or calibration does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSuperseded is delivered to waiters of a render that was replaced by
	// a newer request or dropped by a cache clear.
	ErrSuperseded = errors.New("render superseded")

	// ErrCalibrationInProgress rejects a one-shot calibration of a page that
	// is being calibrated click by click.
	ErrCalibrationInProgress = errors.New("page calibration in progress")

	// ErrForeignRecord rejects a write to a record owned by another project.
	ErrForeignRecord = errors.New("record belongs to another project")
)

// ValidationError rejects invalid user input. State is left unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RenderError reports a failed page rasterization. It is always retryable
// and never affects cached data of other pages.
type RenderError struct {
	Page    int
	Quality string
	Err     error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("rendering page %d (%s): %v", e.Page, e.Quality, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Retryable reports whether the request may be repeated.
func (e *RenderError) Retryable() bool { return true }

// PersistenceError wraps a failed backend read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// BatchError names the record that made a batch save fail.
// Nothing from the batch was saved.
type BatchError struct {
	Index int
	ID    string
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch record %d (%s): %v", e.Index, e.ID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

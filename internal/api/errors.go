// errors.go - Structured error handling for API responses
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/plan-takeoff/backend/internal/models"
	"github.com/plan-takeoff/backend/internal/pagecache"
)

// APIError represents a structured API error response
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Field     string `json:"field,omitempty"`
	Index     *int   `json:"index,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
		Field:   field,
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:    http.StatusServiceUnavailable,
		Code:      "SERVICE_UNAVAILABLE",
		Message:   message,
		Retryable: true,
	}
}

// FromError maps domain errors onto API errors.
func FromError(err error) *APIError {
	var (
		apiErr     *APIError
		httpErr    *echo.HTTPError
		validErr   *models.ValidationError
		batchErr   *models.BatchError
		renderErr  *models.RenderError
		persistErr *models.PersistenceError
	)

	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &httpErr):
		return &APIError{Status: httpErr.Code, Code: "HTTP_ERROR", Message: fmt.Sprintf("%v", httpErr.Message)}
	case errors.As(err, &batchErr):
		idx := batchErr.Index
		return &APIError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "BATCH_REJECTED",
			Message: "batch was not saved",
			Details: batchErr.Error(),
			Index:   &idx,
		}
	case errors.As(err, &validErr):
		return &APIError{
			Status:  http.StatusBadRequest,
			Code:    "VALIDATION_ERROR",
			Message: validErr.Error(),
			Field:   validErr.Field,
		}
	case errors.Is(err, models.ErrNotCalibrated):
		return &APIError{
			Status:  http.StatusConflict,
			Code:    "NOT_CALIBRATED",
			Message: "calibrate the page before finishing a measurement",
		}
	case errors.Is(err, models.ErrNotFound):
		return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, models.ErrCalibrationInProgress):
		return &APIError{
			Status:  http.StatusConflict,
			Code:    "CALIBRATION_IN_PROGRESS",
			Message: err.Error(),
		}
	case errors.Is(err, models.ErrSuperseded):
		return &APIError{
			Status:    http.StatusConflict,
			Code:      "RENDER_SUPERSEDED",
			Message:   "render was replaced by a newer request",
			Retryable: true,
		}
	case errors.As(err, &renderErr):
		return &APIError{
			Status:    http.StatusBadGateway,
			Code:      "RENDER_FAILED",
			Message:   renderErr.Error(),
			Retryable: renderErr.Retryable(),
		}
	case errors.As(err, &persistErr):
		return &APIError{
			Status:    http.StatusServiceUnavailable,
			Code:      "PERSISTENCE_FAILED",
			Message:   persistErr.Error(),
			Retryable: true,
		}
	case errors.Is(err, pagecache.ErrClosed):
		return NewServiceUnavailableError("document was closed, retry the request")
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Status: http.StatusGatewayTimeout, Code: "TIMEOUT", Message: "request timed out", Retryable: true}
	}
	return &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "UNKNOWN_ERROR",
		Message: "An unexpected error occurred",
		Details: err.Error(),
	}
}

// ErrorHandler middleware for Echo
// Usage: e.HTTPErrorHandler = api.ErrorHandler
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	apiErr := FromError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		slog.Error("request failed", "component", "api", "path", c.Path(), "status", apiErr.Status, "error", err)
	}

	if c.Request().Method == http.MethodHead {
		c.NoContent(apiErr.Status)
		return
	}
	c.JSON(apiErr.Status, apiErr)
}

// RespondWithError is a helper to respond with an APIError
func RespondWithError(c echo.Context, err *APIError) error {
	return c.JSON(err.Status, err)
}

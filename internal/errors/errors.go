// Package errors holds the error definitions shared by every ratewatch package.
//
// This file provides:
// - Numeric error codes used by the HTTP API and the CLI exit status
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and HTTPStatus mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Error codes
// ============================================================================

const (
	CodeUnknown            int32 = 1
	CodeInvalidRequest     int32 = 2
	CodeUnknownSeries      int32 = 3
	CodeUnknownResolution  int32 = 4
	CodeStorageUnavailable int32 = 5
	CodeBackpressure       int32 = 6
	CodeInternal           int32 = 7
	CodeTimeout            int32 = 8
	CodeClosed             int32 = 9
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeUnknownSeries:
		return "UnknownSeries"
	case CodeUnknownResolution:
		return "UnknownResolution"
	case CodeStorageUnavailable:
		return "StorageUnavailable"
	case CodeBackpressure:
		return "Backpressure"
	case CodeInternal:
		return "Internal"
	case CodeTimeout:
		return "Timeout"
	case CodeClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound          = errors.New("not found")
	ErrUnknownSeries     = errors.New("no such series")
	ErrUnknownResolution = errors.New("no such resolution")

	// Validation errors
	ErrInvalidSample    = errors.New("invalid sample")
	ErrInvalidSeriesKey = errors.New("invalid series key")
	ErrInvalidQuery     = errors.New("invalid query")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrMissingField     = errors.New("missing required field")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrCorrupted          = errors.New("corrupted record")

	// Flow control and lifecycle
	ErrBackpressure = errors.New("ingestion overloaded")
	ErrTimeout      = errors.New("timeout")
	ErrClosed       = errors.New("closed")
	ErrNotRunning   = errors.New("not running")
	ErrLocked       = errors.New("data directory locked by another process")

	// Internal errors
	ErrInternal = errors.New("internal error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnknownSeries) ||
		errors.Is(err, ErrUnknownResolution)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSample) ||
		errors.Is(err, ErrInvalidSeriesKey) ||
		errors.Is(err, ErrInvalidQuery) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsRetriable returns true if the caller may retry the operation later.
// Nothing inside ratewatch retries on its own.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackpressure)
}

// ============================================================================
// Error to code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its numeric code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrUnknownSeries):
		return CodeUnknownSeries
	case Is(err, ErrUnknownResolution):
		return CodeUnknownResolution
	case IsValidation(err):
		return CodeInvalidRequest
	case Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	case Is(err, ErrBackpressure):
		return CodeBackpressure
	case Is(err, ErrTimeout):
		return CodeTimeout
	case Is(err, ErrClosed), Is(err, ErrNotRunning):
		return CodeClosed
	default:
		return CodeInternal
	}
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch ErrorToCode(err) {
	case CodeUnknownSeries, CodeUnknownResolution:
		return http.StatusNotFound
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeStorageUnavailable, CodeClosed:
		return http.StatusServiceUnavailable
	case CodeBackpressure:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Storage marks err as a storage failure while keeping the driver error
// reachable through errors.Is/As.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewUnknownSeries creates an unknown-series error for key.
func NewUnknownSeries(key string) error {
	return fmt.Errorf("series '%s': %w", key, ErrUnknownSeries)
}

// NewUnknownResolution creates an unknown-resolution error.
func NewUnknownResolution(key string, resolution int64) error {
	return fmt.Errorf("series '%s' resolution %ds: %w", key, resolution, ErrUnknownResolution)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error to errors.Is/As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}

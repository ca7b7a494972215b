package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestErrorToCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int32
	}{
		{"nil", nil, CodeUnknown},
		{"unknown series", NewUnknownSeries("a/b"), CodeUnknownSeries},
		{"unknown resolution", NewUnknownResolution("a/b", 60), CodeUnknownResolution},
		{"invalid sample", fmt.Errorf("line 3: %w", ErrInvalidSample), CodeInvalidRequest},
		{"invalid query", ErrInvalidQuery, CodeInvalidRequest},
		{"validation", NewValidation("shards", "must be positive"), CodeInvalidRequest},
		{"missing field", NewMissingField("series"), CodeInvalidRequest},
		{"storage", Storage("put rate bins", fmt.Errorf("disk full")), CodeStorageUnavailable},
		{"backpressure", ErrBackpressure, CodeBackpressure},
		{"timeout", Wrap(ErrTimeout, "query"), CodeTimeout},
		{"closed", ErrClosed, CodeClosed},
		{"not running", ErrNotRunning, CodeClosed},
		{"other", New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorToCode(tt.err); got != tt.code {
				t.Errorf("ErrorToCode(%v) = %s, want %s", tt.err, CodeName(got), CodeName(tt.code))
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{ErrUnknownSeries, http.StatusNotFound},
		{ErrUnknownResolution, http.StatusNotFound},
		{ErrInvalidQuery, http.StatusBadRequest},
		{ErrStorageUnavailable, http.StatusServiceUnavailable},
		{ErrClosed, http.StatusServiceUnavailable},
		{ErrBackpressure, http.StatusTooManyRequests},
		{ErrTimeout, http.StatusGatewayTimeout},
		{ErrInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.status {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

func TestCategories(t *testing.T) {
	if !IsNotFound(NewUnknownSeries("x")) || !IsNotFound(NewUnknownResolution("x", 1)) {
		t.Error("unknown series and resolution should be not-found errors")
	}
	if IsNotFound(ErrInvalidQuery) {
		t.Error("invalid query is not a not-found error")
	}
	if !IsValidation(ErrInvalidSeriesKey) {
		t.Error("invalid series key should be a validation error")
	}
	if !IsRetriable(Storage("op", New("x"))) || !IsRetriable(ErrBackpressure) {
		t.Error("storage and backpressure errors should be retriable")
	}
	if IsRetriable(ErrUnknownSeries) {
		t.Error("unknown series is not retriable")
	}
}

func TestStorageKeepsCause(t *testing.T) {
	cause := New("connection refused")
	err := Storage("read metadata", cause)

	if !Is(err, ErrStorageUnavailable) {
		t.Error("expected ErrStorageUnavailable")
	}
	if !Is(err, cause) {
		t.Error("expected the driver error to stay reachable")
	}
	if Storage("op", nil) != nil {
		t.Error("Storage(nil) should be nil")
	}
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil {
		t.Error("wrapping nil should be nil")
	}
}

func TestCodeName(t *testing.T) {
	if got := CodeName(CodeUnknownSeries); got != "UnknownSeries" {
		t.Errorf("CodeName = %q", got)
	}
	if got := CodeName(99); got != "Code(99)" {
		t.Errorf("CodeName(99) = %q", got)
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Fatal("empty collector should return nil")
	}

	v.Add(nil)
	v.AddField("shards", "must be positive")
	v.AddMissing("catalog.path")

	if !v.HasErrors() {
		t.Fatal("expected errors")
	}
	err := v.Err()
	if !Is(err, ErrInvalidConfig) || !Is(err, ErrMissingField) {
		t.Error("collected errors should be reachable through errors.Is")
	}
	if got := err.Error(); got == "" {
		t.Error("empty message")
	}
}

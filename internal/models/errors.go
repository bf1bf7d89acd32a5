package models

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidArgument marks malformed limits, k values, texts or ids. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDimensionMismatch is returned when vectors of unequal length are compared.
	ErrDimensionMismatch = fmt.Errorf("%w: dimension mismatch", ErrInvalidArgument)
	// ErrAllProvidersUnavailable is returned when every embedding provider failed for a batch.
	ErrAllProvidersUnavailable = errors.New("all embedding providers unavailable")
	// ErrNotFound is returned when an item id does not exist.
	ErrNotFound = errors.New("not found")
)

// InvalidArgumentf builds an error wrapping ErrInvalidArgument.
func InvalidArgumentf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// DimensionMismatch builds an error wrapping ErrDimensionMismatch with both lengths.
func DimensionMismatch(a, b int) error {
	return fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, a, b)
}

// HTTPStatus maps an error to the status code the API layer responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAllProvidersUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns a stable machine-readable code for an error.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDimensionMismatch):
		return "DIMENSION_MISMATCH"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAllProvidersUnavailable):
		return "ALL_PROVIDERS_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

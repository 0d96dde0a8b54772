package errors

import "net/http"

// Error codes. Handout callers only ever see POOL_EXHAUSTED and UNKNOWN_POOL.
const (
	CodePoolExhausted     = "POOL_EXHAUSTED"
	CodeUnknownPool       = "UNKNOWN_POOL"
	CodePoolConfigInvalid = "POOL_CONFIG_INVALID"

	CodeResourceNotFound     = "RESOURCE_NOT_FOUND"
	CodeResourceNotDeletable = "RESOURCE_NOT_DELETABLE"

	CodeFlightNotFound  = "FLIGHT_NOT_FOUND"
	CodeDuplicateFlight = "DUPLICATE_FLIGHT"

	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
)

// ErrPoolExhaustedf reports that a pool has no READY resource right now.
// Callers are expected to retry with backoff.
func ErrPoolExhaustedf(poolID string) *AppError {
	return &AppError{
		Code:       CodePoolExhausted,
		Message:    "no ready resource available in pool",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Params:     map[string]interface{}{"pool_id": poolID},
		Err:        ErrPoolExhausted,
	}
}

// ErrUnknownPoolf reports a pool that does not exist or is deactivated.
func ErrUnknownPoolf(poolID string) *AppError {
	return &AppError{
		Code:       CodeUnknownPool,
		Message:    "pool does not exist or is deactivated",
		HTTPStatus: http.StatusNotFound,
		Params:     map[string]interface{}{"pool_id": poolID},
		Err:        ErrUnknownPool,
	}
}

// ErrFlightNotFoundf reports an unknown flight id.
func ErrFlightNotFoundf(flightID string) *AppError {
	return &AppError{
		Code:       CodeFlightNotFound,
		Message:    "flight not found",
		HTTPStatus: http.StatusNotFound,
		Params:     map[string]interface{}{"flight_id": flightID},
		Err:        ErrFlightNotFound,
	}
}

// ErrDuplicateFlightf reports a resubmission of an existing flight id with a
// different type or input.
func ErrDuplicateFlightf(flightID string) *AppError {
	return &AppError{
		Code:       CodeDuplicateFlight,
		Message:    "flight id already submitted with different type or parameters",
		HTTPStatus: http.StatusConflict,
		Params:     map[string]interface{}{"flight_id": flightID},
		Err:        ErrDuplicateFlight,
	}
}

// ErrResourceNotFoundf reports an unknown resource id.
func ErrResourceNotFoundf(resourceID string) *AppError {
	return NotFound(CodeResourceNotFound, "resource not found").
		WithParams(map[string]interface{}{"resource_id": resourceID})
}

// ErrInvalidRequestFieldf reports a malformed request field.
func ErrInvalidRequestFieldf(fieldName string) *AppError {
	return BadRequest(CodeInvalidRequestField, "request field is missing or invalid: "+fieldName)
}

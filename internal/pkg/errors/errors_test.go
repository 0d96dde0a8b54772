package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New("POOL_EXHAUSTED", "empty", http.StatusServiceUnavailable),
			want: "POOL_EXHAUSTED: empty",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("db error"), "DB_ERROR", "database failure", http.StatusInternalServerError),
			want: "DB_ERROR: database failure: db error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConstructorsWrapSentinels(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		sentinel   error
		wantStatus int
		retryable  bool
	}{
		{"pool exhausted", ErrPoolExhaustedf("p1"), ErrPoolExhausted, http.StatusServiceUnavailable, true},
		{"unknown pool", ErrUnknownPoolf("p1"), ErrUnknownPool, http.StatusNotFound, false},
		{"flight not found", ErrFlightNotFoundf("f1"), ErrFlightNotFound, http.StatusNotFound, false},
		{"duplicate flight", ErrDuplicateFlightf("f1"), ErrDuplicateFlight, http.StatusConflict, false},
		{"resource not found", ErrResourceNotFoundf("r1"), ErrNotFound, http.StatusNotFound, false},
		{"invalid field", ErrInvalidRequestFieldf("x"), ErrBadRequest, http.StatusBadRequest, false},
		{"conflict", Conflict("C", "c"), ErrConflict, http.StatusConflict, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("handout: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.sentinel)
			}
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.wantStatus)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
		})
	}
}

func TestIsAppError(t *testing.T) {
	wrapped := fmt.Errorf("wrapped: %w", ErrUnknownPoolf("p9"))

	got, ok := IsAppError(wrapped)
	if !ok {
		t.Fatal("IsAppError should return true for wrapped AppError")
	}
	if got.Code != CodeUnknownPool {
		t.Errorf("Code = %q, want %q", got.Code, CodeUnknownPool)
	}
	if got.Params["pool_id"] != "p9" {
		t.Errorf("Params[pool_id] = %v, want p9", got.Params["pool_id"])
	}

	if _, ok := IsAppError(errors.New("plain")); ok {
		t.Error("IsAppError should return false for plain errors")
	}
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Transient("create", errors.New("503")), true},
		{"throttled", Throttled("create", errors.New("429")), true},
		{"permanent", Permanent("create", errors.New("400")), false},
		{"wrapped transient", fmt.Errorf("step: %w", Transient("delete", errors.New("x"))), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), true},
		{"not found", ErrNotFound, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackendError_Unwrap(t *testing.T) {
	err := Permanent("delete", fmt.Errorf("gone: %w", ErrNotFound))
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false", err)
	}
	if got := err.Error(); got != "permanent delete: gone: resource not found" {
		t.Errorf("Error() = %q", got)
	}
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel backend errors.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
)

// ErrorClass categorizes backend failures for retry decisions.
type ErrorClass string

const (
	// ClassTransient may succeed on retry.
	ClassTransient ErrorClass = "transient"
	// ClassThrottled is a rate limit; retry after backing off.
	ClassThrottled ErrorClass = "throttled"
	// ClassPermanent will not succeed on retry.
	ClassPermanent ErrorClass = "permanent"
)

// BackendError is a classified backend failure.
type BackendError struct {
	Class     ErrorClass
	Operation string
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Class, e.Operation, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of operation.
func Transient(operation string, err error) error {
	return &BackendError{Class: ClassTransient, Operation: operation, Err: err}
}

// Throttled wraps err as a rate-limit failure of operation.
func Throttled(operation string, err error) error {
	return &BackendError{Class: ClassThrottled, Operation: operation, Err: err}
}

// Permanent wraps err as a non-retryable failure of operation.
func Permanent(operation string, err error) error {
	return &BackendError{Class: ClassPermanent, Operation: operation, Err: err}
}

// IsTransient reports whether retrying the call may succeed. Transient and
// throttled backend errors qualify, as do per-call timeouts and network
// timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class == ClassTransient || be.Class == ClassThrottled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err means the name is already taken.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

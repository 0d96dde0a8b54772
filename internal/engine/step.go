package engine

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Outcome is the tagged result of one step invocation.
type Outcome int

const (
	// OutcomeSuccess advances the cursor.
	OutcomeSuccess Outcome = iota
	// OutcomeRetry re-invokes the step after backoff, within its budget.
	OutcomeRetry
	// OutcomeFatal starts the unwind.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StepResult is what a step returns. Err is nil only on success.
type StepResult struct {
	Outcome Outcome
	Err     error
}

// Success is the successful StepResult.
func Success() StepResult {
	return StepResult{Outcome: OutcomeSuccess}
}

// Retry asks for the step to be re-invoked after backoff.
func Retry(err error) StepResult {
	return StepResult{Outcome: OutcomeRetry, Err: err}
}

// Fatal fails the step and starts the unwind.
func Fatal(err error) StepResult {
	return StepResult{Outcome: OutcomeFatal, Err: err}
}

// StepFunc is a forward or compensating action. It must be safe to
// re-invoke after a partial external effect.
type StepFunc func(ctx context.Context, fc *FlightContext) StepResult

// Step is one unit of work within a flight.
type Step struct {
	Name string
	Do   StepFunc
	// Undo compensates Do. Nil means nothing to undo.
	Undo StepFunc
	// Retryable marks failures of this step as recoverable: a clean unwind
	// ends the flight in ERROR instead of FATAL.
	Retryable bool
	// Backoff overrides the engine's default retry budget. Steps is the
	// maximum number of attempts.
	Backoff *wait.Backoff
}

// Definition is a registered flight type.
type Definition struct {
	Type  string
	Steps []Step
}

// RetryPolicy builds a backoff from the engine retry settings.
func RetryPolicy(maxAttempts int, initial time.Duration, factor float64, maxBackoff time.Duration) wait.Backoff {
	return wait.Backoff{
		Duration: initial,
		Factor:   factor,
		Jitter:   0.1,
		Steps:    maxAttempts,
		Cap:      maxBackoff,
	}
}

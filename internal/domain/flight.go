package domain

import "time"

// FlightStatus is the execution status of a flight.
type FlightStatus string

const (
	FlightStatusRunning FlightStatus = "RUNNING"
	FlightStatusSuccess FlightStatus = "SUCCESS"
	// FlightStatusError is a recoverable failure: unwind completed cleanly and
	// a corrective flight may be submitted.
	FlightStatusError FlightStatus = "ERROR"
	// FlightStatusFatal needs manual intervention.
	FlightStatusFatal FlightStatus = "FATAL"
)

// Terminal reports whether the status is final. Terminal flights are immutable.
func (s FlightStatus) Terminal() bool {
	return s == FlightStatusSuccess || s == FlightStatusError || s == FlightStatusFatal
}

// FlightDirection is DO while running forward and UNDO while unwinding.
type FlightDirection string

const (
	FlightDirectionDo   FlightDirection = "DO"
	FlightDirectionUndo FlightDirection = "UNDO"
)

// Flight types.
const (
	FlightTypeCreateResource = "create-resource"
	FlightTypeDeleteResource = "delete-resource"
)

// NoFailedStep marks a flight that has not failed.
const NoFailedStep = -1

// Flight is one durable execution of a multi-step workflow.
type Flight struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// Input is fixed at submission and compared on resubmission.
	Input map[string]string `json:"input"`
	// Working carries values between steps and is persisted with the cursor.
	Working map[string]string `json:"working,omitempty"`
	// Result is set when the flight turns terminal.
	Result map[string]string `json:"result,omitempty"`

	Status     FlightStatus    `json:"status"`
	Direction  FlightDirection `json:"direction"`
	StepCursor int             `json:"step_cursor"`
	FailedStep int             `json:"failed_step"`
	WorkerID   string          `json:"worker_id,omitempty"`

	ErrorMessage string   `json:"error_message,omitempty"`
	UndoErrors   []string `json:"undo_errors,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate maps freely.
func (f *Flight) Clone() *Flight {
	if f == nil {
		return nil
	}
	c := *f
	c.Input = cloneMap(f.Input)
	c.Working = cloneMap(f.Working)
	c.Result = cloneMap(f.Result)
	if f.UndoErrors != nil {
		c.UndoErrors = append([]string(nil), f.UndoErrors...)
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SameSubmission reports whether typ and input match this flight's submission.
func (f *Flight) SameSubmission(typ string, input map[string]string) bool {
	if f.Type != typ || len(f.Input) != len(input) {
		return false
	}
	for k, v := range input {
		if got, ok := f.Input[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Flight input keys shared by the lifecycle flights and the store, which
// indexes running flights by pool and resource.
const (
	FlightInputPoolID     = "pool_id"
	FlightInputResourceID = "resource_id"
)

// PoolID returns the pool the flight acts on, if any.
func (f *Flight) PoolID() string {
	return f.Input[FlightInputPoolID]
}

// ResourceID returns the resource the flight acts on, if any.
func (f *Flight) ResourceID() string {
	return f.Input[FlightInputResourceID]
}

// FlightOwner pairs a RUNNING flight with the worker that owns it.
type FlightOwner struct {
	FlightID string
	WorkerID string
}

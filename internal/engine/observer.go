package engine

import (
	"time"

	"rbs.io/buffer/internal/domain"
)

// Observer receives flight execution signals. Implementations must not block.
type Observer interface {
	StepFinished(flightType, step string, direction domain.FlightDirection, outcome Outcome, elapsed time.Duration)
	FlightFinished(flightType string, status domain.FlightStatus)
	FlightRecovered(flightType string)
}

type nopObserver struct{}

func (nopObserver) StepFinished(string, string, domain.FlightDirection, Outcome, time.Duration) {}
func (nopObserver) FlightFinished(string, domain.FlightStatus)                                 {}
func (nopObserver) FlightRecovered(string)                                                     {}

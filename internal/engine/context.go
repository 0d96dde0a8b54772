package engine

import "rbs.io/buffer/internal/domain"

// FlightContext is handed to every step invocation. Values set with Set are
// persisted together with the step cursor once the step succeeds, so a
// resumed flight sees everything earlier steps recorded.
type FlightContext struct {
	FlightID string
	Type     string
	// Step is the index of the running step.
	Step int
	// Attempt counts invocations of the running step, starting at 1.
	Attempt int

	input   map[string]string
	working map[string]string
	result  map[string]string
}

func newFlightContext(f *domain.Flight) *FlightContext {
	fc := &FlightContext{
		FlightID: f.ID,
		Type:     f.Type,
		input:    f.Input,
		working:  make(map[string]string, len(f.Working)),
		result:   make(map[string]string, len(f.Result)),
	}
	for k, v := range f.Working {
		fc.working[k] = v
	}
	for k, v := range f.Result {
		fc.result[k] = v
	}
	return fc
}

// Input returns a submission parameter.
func (c *FlightContext) Input(key string) string {
	return c.input[key]
}

// Get returns a value recorded by an earlier step.
func (c *FlightContext) Get(key string) (string, bool) {
	v, ok := c.working[key]
	return v, ok
}

// Set records a value for later steps and for undo.
func (c *FlightContext) Set(key, value string) {
	c.working[key] = value
}

// SetResult records a value in the flight result map.
func (c *FlightContext) SetResult(key, value string) {
	c.result[key] = value
}

// snapshot copies the working and result maps into f.
func (c *FlightContext) snapshot(f *domain.Flight) {
	f.Working = make(map[string]string, len(c.working))
	for k, v := range c.working {
		f.Working[k] = v
	}
	f.Result = make(map[string]string, len(c.result))
	for k, v := range c.result {
		f.Result[k] = v
	}
}

package mailbox

import (
	"saunactl/types"
)

// Event is the tagged union consumed by the supervisor. Every variant names
// itself for logging and metrics; critical variants are never dropped on
// overflow.
type Event interface {
	Kind() string
	Critical() bool
}

// McbObserved reports the breaker state seen on a status path.
type McbObserved struct {
	State  types.McbState
	Source types.StatusSource
}

func (McbObserved) Kind() string   { return "mcb_observed" }
func (McbObserved) Critical() bool { return true }

// PhaseReading carries a complete three-phase current sample.
type PhaseReading struct {
	Reading types.PhaseReading
}

func (PhaseReading) Kind() string   { return "phase_reading" }
func (PhaseReading) Critical() bool { return true }

type TemperatureReading struct {
	Reading types.TemperatureReading
}

func (TemperatureReading) Kind() string   { return "temperature_reading" }
func (TemperatureReading) Critical() bool { return false }

type DoorReading struct {
	Reading types.DoorReading
}

func (DoorReading) Kind() string   { return "door_reading" }
func (DoorReading) Critical() bool { return false }

type ButtonEvent struct {
	Event types.ButtonEvent
}

func (ButtonEvent) Kind() string   { return "button_event" }
func (ButtonEvent) Critical() bool { return false }

// VentilatorObserved reports the relay state seen on its status stream.
type VentilatorObserved struct {
	On bool
}

func (VentilatorObserved) Kind() string   { return "ventilator_observed" }
func (VentilatorObserved) Critical() bool { return false }

// FloorHeatUpdated delivers the result of an asynchronous thermostat poll
// back onto the supervisor's goroutine.
type FloorHeatUpdated struct {
	State types.FloorHeatingState
}

func (FloorHeatUpdated) Kind() string   { return "floorheat_updated" }
func (FloorHeatUpdated) Critical() bool { return false }

// OperatorCommand enters from the HTTP layer; the result is answered on
// Reply, which must be buffered (the supervisor never blocks on it).
type OperatorCommand struct {
	Cmd   types.Command
	Reply chan types.CommandResult
}

func (OperatorCommand) Kind() string   { return "operator_command" }
func (OperatorCommand) Critical() bool { return false }

// TimerFired is posted by the timer service. Gen is checked against the
// owning handle's generation on dispatch; stale firings are dropped.
type TimerFired struct {
	ID  string
	Gen uint64
}

func (TimerFired) Kind() string   { return "timer_fired" }
func (TimerFired) Critical() bool { return false }

type Shutdown struct{}

func (Shutdown) Kind() string   { return "shutdown" }
func (Shutdown) Critical() bool { return true }

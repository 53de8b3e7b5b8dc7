package types

import "context"

// Adapter contracts the supervisor depends on. Implementations live under
// drivers/; the core only sees these seams.

// McbDevice switches the heater breaker. Observations arrive separately as
// events; commands here are synchronous with a caller-supplied deadline.
type McbDevice interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	Close() error
}

// Relay drives the ventilator relay.
type Relay interface {
	Set(ctx context.Context, on bool) error
	Status(ctx context.Context) (bool, error)
}

// Thermostat drives the floor-heating unit.
type Thermostat interface {
	SetMode(ctx context.Context, mode HeatingMode) error
	SetTargetC(ctx context.Context, target float64) error
	Status(ctx context.Context) (FloorHeatingState, error)
}

// Notifier delivers operator notifications. The concrete channel
// (WhatsApp gateway or otherwise) is opaque to the core.
type Notifier interface {
	SendText(ctx context.Context, body string) error
}

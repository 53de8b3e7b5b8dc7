package types

import "time"

// ---- Breaker (MCB) state ----

type McbState string

const (
	McbOn      McbState = "on"
	McbOff     McbState = "off"
	McbUnknown McbState = "unknown"
)

// StatusSource identifies which path reported an MCB observation.
type StatusSource string

const (
	SourceLocal   StatusSource = "local"   // device push channel
	SourceMqtt    StatusSource = "mqtt"    // broker status topic (fallback observer)
	SourceCommand StatusSource = "command" // inferred from a successful command
)

// ---- Sensor readings ----

// PhaseReading is a complete three-phase current sample. It is only ever
// built once all three phases have been observed; see the meter accumulator.
type PhaseReading struct {
	L1 float64
	L2 float64
	L3 float64
	At time.Time
}

type TemperatureReading struct {
	Celsius  float64
	Humidity *float64
	Battery  *float64
	RSSI     *int
	At       time.Time
}

type DoorReading struct {
	IsOpen  bool
	Battery *float64
	At      time.Time
}

// ---- Button ----

type ButtonAction string

const (
	ButtonClick       ButtonAction = "click"
	ButtonDoubleClick ButtonAction = "double_click"
	ButtonHold        ButtonAction = "hold"
	ButtonUnknown     ButtonAction = "unknown"
)

type ButtonEvent struct {
	Action   ButtonAction
	ButtonID string
	At       time.Time
}

// FlicAction is what a button press resolves to.
type FlicAction string

const (
	FlicToggle   FlicAction = "toggle"
	FlicForceOn  FlicAction = "force_on"
	FlicForceOff FlicAction = "force_off"
	FlicNone     FlicAction = "none"
)

// ---- Floor heating ----

type HeatingMode string

const (
	ModeAuto    HeatingMode = "auto"
	ModeManual  HeatingMode = "manual"
	ModeUnknown HeatingMode = "unknown"
)

type HeatingAction string

const (
	ActionHeating HeatingAction = "heating"
	ActionWarming HeatingAction = "warming"
	ActionIdle    HeatingAction = "idle"
	ActionUnknown HeatingAction = "unknown"
)

type FloorHeatingState struct {
	Mode     HeatingMode
	Action   HeatingAction
	TargetC  float64
	CurrentC float64
	At       time.Time
}

// ---- Ventilator ----

// VentilatorSummary is the reported view of the ventilator controller.
type VentilatorSummary struct {
	Enabled               bool
	RelayIsOn             *bool
	HasDelayedOff         bool
	DelayedOffRemainingMs int64
	KeepAliveActive       bool
}

// ---- Operator commands ----

type Command string

const (
	CmdGetMcb     Command = "get_mcb"
	CmdTurnOn     Command = "turn_on"
	CmdTurnOff    Command = "turn_off"
	CmdToggle     Command = "toggle"
	CmdForceOn    Command = "force_on"
	CmdForceOff   Command = "force_off"
	CmdTestNotify Command = "test_notify"
	CmdHealth     Command = "health"
)

// CommandResult is returned to the operator surface for every command.
type CommandResult struct {
	OK      bool     `json:"ok"`
	Mcb     McbState `json:"mcb,omitempty"`
	Code    string   `json:"code,omitempty"`
	Message string   `json:"message,omitempty"`
}

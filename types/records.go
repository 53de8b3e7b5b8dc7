package types

// Live snapshot records published on the broadcaster bus. Topic names match
// the JSON record names subscribers see on the wire.

const (
	TopicPrefix           = "sauna"
	RecordMcbStatus       = "mcb_status"
	RecordSensorData      = "sensor_data"
	RecordTemperature     = "temperature"
	RecordDoor            = "door"
	RecordVentilator      = "ventilator"
	RecordFloorHeating    = "floor_heating"
	RecordConnected       = "connected" // synthetic, per subscriber
	RecordHeartbeat       = "heartbeat"
)

type McbStatusRecord struct {
	Status          string `json:"status"`
	Source          string `json:"source"`
	LastSafetyError string `json:"lastSafetyError,omitempty"`
	TS              int64  `json:"ts_ms"`
}

// SensorDataRecord carries the three phase currents; components are nullable
// until a first complete reading has been observed.
type SensorDataRecord struct {
	L1 *float64 `json:"l1"`
	L2 *float64 `json:"l2"`
	L3 *float64 `json:"l3"`
	TS int64    `json:"ts_ms"`
}

type TemperatureRecord struct {
	Temperature float64  `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	TS          int64    `json:"ts_ms"`
}

type DoorRecord struct {
	IsOpen bool  `json:"isOpen"`
	TS     int64 `json:"ts_ms"`
}

type VentilatorRecord struct {
	Status              *bool `json:"status"`
	DelayedOffRemaining int64 `json:"delayedOffRemaining"`
	TS                  int64 `json:"ts_ms"`
}

type FloorHeatingRecord struct {
	CurrentTemp float64 `json:"currentTemp"`
	TargetTemp  float64 `json:"targetTemp"`
	Mode        string  `json:"mode"`
	Action      string  `json:"action"`
	TS          int64   `json:"ts_ms"`
}

type ConnectedRecord struct {
	SubscriberID string `json:"subscriberId"`
}

type HeartbeatRecord struct {
	UptimeS int64 `json:"uptime_s"`
	TS      int64 `json:"ts_ms"`
}

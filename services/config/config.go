// Package config loads and validates the process configuration. Values are
// YAML over built-in defaults; out-of-range numbers are clamped rather than
// rejected so a sloppy config file cannot keep the supervisor down.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"saunactl/types"
	"saunactl/x/mathx"
)

type Config struct {
	AmperageThreshold       float64 `yaml:"amperageThreshold"`
	SafetyEnabled           *bool   `yaml:"safetyEnabled"`
	PollingIntervalMs       int     `yaml:"pollingIntervalMs"`
	SwitchOffCooldownMs     int     `yaml:"switchOffCooldownMs"`
	TemperatureAlertCelsius float64 `yaml:"temperatureAlertCelsius"`

	NotificationCooldown NotificationCooldown `yaml:"notificationCooldown"`
	Mcb                  Mcb                  `yaml:"mcb"`
	Ventilator           Ventilator           `yaml:"ventilator"`
	FloorHeating         FloorHeating         `yaml:"floorHeating"`
	Flic                 Flic                 `yaml:"flic"`
	Mqtt                 Mqtt                 `yaml:"mqtt"`
	Notifier             Notifier             `yaml:"notifier"`
	HTTP                 HTTP                 `yaml:"http"`
	Log                  Log                  `yaml:"log"`
}

type NotificationCooldown struct {
	SafetyShutdownMs   int `yaml:"safetyShutdownMs"`
	TemperatureAlertMs int `yaml:"temperatureAlertMs"`
}

type Mcb struct {
	IP               string `yaml:"ip"`
	DeviceID         string `yaml:"deviceId"`
	LocalKey         string `yaml:"localKey"`
	ProtocolVersion  string `yaml:"protocolVersion"`
	StatusSource     string `yaml:"statusSource"` // local or mqtt
	CommandTimeoutMs int    `yaml:"commandTimeoutMs"`
}

type Ventilator struct {
	Enabled          *bool  `yaml:"enabled"`
	IP               string `yaml:"ip"`
	DelayOffMinutes  int    `yaml:"delayOffMinutes"`
	KeepAliveMinutes int    `yaml:"keepAliveMinutes"`
	TimeoutMs        int    `yaml:"timeoutMs"`
}

type FloorHeating struct {
	Enabled         *bool   `yaml:"enabled"`
	IP              string  `yaml:"ip"`
	DeviceID        string  `yaml:"deviceId"`
	LocalKey        string  `yaml:"localKey"`
	ProtocolVersion string  `yaml:"protocolVersion"`
	TargetOnC       float64 `yaml:"targetOnC"`
	TargetOffC      float64 `yaml:"targetOffC"`
	PollIntervalMs  int     `yaml:"pollIntervalMs"`
}

type Flic struct {
	Click       string `yaml:"click"`
	DoubleClick string `yaml:"doubleClick"`
	Hold        string `yaml:"hold"`
}

type Mqtt struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientId"`
	Topics   Topics `yaml:"topics"`
}

type Topics struct {
	MeterPrefix string `yaml:"meterPrefix"`
	Temperature string `yaml:"temperature"`
	Door        string `yaml:"door"`
	Button      string `yaml:"button"`
	Ventilator  string `yaml:"ventilator"`
	McbStatus   string `yaml:"mcbStatus"`
}

type Notifier struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

type HTTP struct {
	Listen string `yaml:"listen"`
}

type Log struct {
	Level string `yaml:"level"`
}

func Default() Config {
	on := true
	return Config{
		AmperageThreshold:       25,
		SafetyEnabled:           &on,
		PollingIntervalMs:       5_000,
		SwitchOffCooldownMs:     10_000,
		TemperatureAlertCelsius: 85,
		NotificationCooldown: NotificationCooldown{
			SafetyShutdownMs:   60_000,
			TemperatureAlertMs: 300_000,
		},
		Mcb: Mcb{
			StatusSource:     string(types.SourceLocal),
			CommandTimeoutMs: 5_000,
		},
		Ventilator: Ventilator{
			DelayOffMinutes:  60,
			KeepAliveMinutes: 25,
			TimeoutMs:        5_000,
		},
		FloorHeating: FloorHeating{
			TargetOnC:      21,
			TargetOffC:     5,
			PollIntervalMs: 30_000,
		},
		Flic: Flic{
			Click:       string(types.FlicToggle),
			DoubleClick: string(types.FlicForceOff),
			Hold:        string(types.FlicForceOn),
		},
		Mqtt: Mqtt{ClientID: "saunactl"},
		Notifier: Notifier{
			TimeoutMs: 10_000,
		},
		HTTP: HTTP{Listen: ":8080"},
		Log:  Log{Level: "info"},
	}
}

// Load reads path over the defaults. A missing path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		cfg.normalize()
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize clamps numeric values into sane ranges and folds invalid enums
// back to their defaults.
func (c *Config) normalize() {
	c.AmperageThreshold = mathx.Clamp(c.AmperageThreshold, 1, 100)
	c.PollingIntervalMs = mathx.Clamp(c.PollingIntervalMs, 500, 600_000)
	c.SwitchOffCooldownMs = mathx.Clamp(c.SwitchOffCooldownMs, 1_000, 600_000)
	c.TemperatureAlertCelsius = mathx.Clamp(c.TemperatureAlertCelsius, 30, 130)
	c.NotificationCooldown.SafetyShutdownMs = mathx.Clamp(c.NotificationCooldown.SafetyShutdownMs, 1_000, 3_600_000)
	c.NotificationCooldown.TemperatureAlertMs = mathx.Clamp(c.NotificationCooldown.TemperatureAlertMs, 1_000, 3_600_000)

	if c.Mcb.StatusSource != string(types.SourceLocal) && c.Mcb.StatusSource != string(types.SourceMqtt) {
		c.Mcb.StatusSource = string(types.SourceLocal)
	}
	c.Mcb.CommandTimeoutMs = mathx.Clamp(c.Mcb.CommandTimeoutMs, 500, 60_000)

	c.Ventilator.DelayOffMinutes = mathx.Clamp(c.Ventilator.DelayOffMinutes, 1, 24*60)
	c.Ventilator.KeepAliveMinutes = mathx.Clamp(c.Ventilator.KeepAliveMinutes, 1, 24*60)
	c.Ventilator.TimeoutMs = mathx.Clamp(c.Ventilator.TimeoutMs, 500, 60_000)

	c.FloorHeating.TargetOnC = mathx.Clamp(c.FloorHeating.TargetOnC, 5, 35)
	c.FloorHeating.TargetOffC = mathx.Clamp(c.FloorHeating.TargetOffC, 5, 35)
	c.FloorHeating.PollIntervalMs = mathx.Clamp(c.FloorHeating.PollIntervalMs, 1_000, 3_600_000)

	c.Flic.Click = normalizeFlic(c.Flic.Click, types.FlicToggle)
	c.Flic.DoubleClick = normalizeFlic(c.Flic.DoubleClick, types.FlicForceOff)
	c.Flic.Hold = normalizeFlic(c.Flic.Hold, types.FlicForceOn)

	c.Notifier.TimeoutMs = mathx.Clamp(c.Notifier.TimeoutMs, 500, 60_000)
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.Mqtt.ClientID == "" {
		c.Mqtt.ClientID = "saunactl"
	}
}

func normalizeFlic(v string, def types.FlicAction) string {
	switch types.FlicAction(v) {
	case types.FlicToggle, types.FlicForceOn, types.FlicForceOff, types.FlicNone:
		return v
	}
	return string(def)
}

// VentilatorEnabled defaults to "configured": on when an IP is set.
func (c *Config) VentilatorEnabled() bool {
	if c.Ventilator.Enabled != nil {
		return *c.Ventilator.Enabled
	}
	return c.Ventilator.IP != ""
}

// FloorHeatingEnabled defaults to "configured": on when an address is set.
func (c *Config) FloorHeatingEnabled() bool {
	if c.FloorHeating.Enabled != nil {
		return *c.FloorHeating.Enabled
	}
	return c.FloorHeating.IP != ""
}

func (c *Config) Safety() bool {
	return c.SafetyEnabled == nil || *c.SafetyEnabled
}

func (c *Config) SwitchOffCooldown() time.Duration {
	return time.Duration(c.SwitchOffCooldownMs) * time.Millisecond
}

func (c *Config) FlicAction(which string) types.FlicAction {
	switch which {
	case "click":
		return types.FlicAction(c.Flic.Click)
	case "doubleClick":
		return types.FlicAction(c.Flic.DoubleClick)
	case "hold":
		return types.FlicAction(c.Flic.Hold)
	}
	return types.FlicNone
}

// Ms converts a millisecond config value to a duration.
func Ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

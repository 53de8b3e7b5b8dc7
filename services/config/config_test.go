package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"saunactl/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 25.0, cfg.AmperageThreshold)
	require.True(t, cfg.Safety())
	require.Equal(t, 10_000, cfg.SwitchOffCooldownMs)
	require.Equal(t, 85.0, cfg.TemperatureAlertCelsius)
	require.Equal(t, 60_000, cfg.NotificationCooldown.SafetyShutdownMs)
	require.Equal(t, 300_000, cfg.NotificationCooldown.TemperatureAlertMs)
	require.Equal(t, 60, cfg.Ventilator.DelayOffMinutes)
	require.Equal(t, 25, cfg.Ventilator.KeepAliveMinutes)
	require.Equal(t, 21.0, cfg.FloorHeating.TargetOnC)
	require.Equal(t, 5.0, cfg.FloorHeating.TargetOffC)
	require.Equal(t, string(types.SourceLocal), cfg.Mcb.StatusSource)
	require.Equal(t, types.FlicToggle, cfg.FlicAction("click"))
	require.Equal(t, types.FlicForceOff, cfg.FlicAction("doubleClick"))
	require.Equal(t, types.FlicForceOn, cfg.FlicAction("hold"))
	require.Equal(t, ":8080", cfg.HTTP.Listen)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
amperageThreshold: 32
safetyEnabled: false
mcb:
  ip: 192.168.1.40
  deviceId: bf12
  localKey: 0123456789abcdef
  statusSource: mqtt
ventilator:
  ip: 192.168.1.41
  delayOffMinutes: 30
flic:
  click: force_on
mqtt:
  broker: tcp://broker:1883
  topics:
    meterPrefix: meter/sauna
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 32.0, cfg.AmperageThreshold)
	require.False(t, cfg.Safety())
	require.Equal(t, string(types.SourceMqtt), cfg.Mcb.StatusSource)
	require.Equal(t, 30, cfg.Ventilator.DelayOffMinutes)
	require.Equal(t, 25, cfg.Ventilator.KeepAliveMinutes, "unset keys keep defaults")
	require.Equal(t, types.FlicForceOn, cfg.FlicAction("click"))
	require.Equal(t, types.FlicForceOff, cfg.FlicAction("doubleClick"))
	require.True(t, cfg.VentilatorEnabled(), "ventilator with an ip is enabled")
	require.False(t, cfg.FloorHeatingEnabled(), "floor heating without an address stays off")
	require.Equal(t, "meter/sauna", cfg.Mqtt.Topics.MeterPrefix)
}

func TestNormalizeClampsAndFolds(t *testing.T) {
	path := writeConfig(t, `
amperageThreshold: 4000
switchOffCooldownMs: 1
temperatureAlertCelsius: 5
mcb:
  statusSource: telepathy
flic:
  hold: explode
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 100.0, cfg.AmperageThreshold)
	require.Equal(t, 1_000, cfg.SwitchOffCooldownMs)
	require.Equal(t, 30.0, cfg.TemperatureAlertCelsius)
	require.Equal(t, string(types.SourceLocal), cfg.Mcb.StatusSource)
	require.Equal(t, types.FlicForceOn, cfg.FlicAction("hold"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadBadYaml(t *testing.T) {
	path := writeConfig(t, "::: not yaml :::")
	_, err := Load(path)
	require.Error(t, err)
}

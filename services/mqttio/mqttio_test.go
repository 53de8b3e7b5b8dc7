package mqttio

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"saunactl/mailbox"
	"saunactl/types"
)

func newService(t *testing.T) (*Service, *mailbox.Mailbox) {
	t.Helper()
	box := mailbox.New(32)
	clk := testclock.NewClock(time.Unix(0, 0))
	return New(Config{}, clk, box.Put, zerolog.Nop()), box
}

func takeEvent(t *testing.T, box *mailbox.Mailbox) mailbox.Event {
	t.Helper()
	ev, ok := box.TryReceive()
	require.True(t, ok, "expected a mailbox event")
	return ev
}

// Partial meter samples stay in the accumulator; the third phase releases
// exactly one complete reading.
func TestMeterAccumulator(t *testing.T) {
	s, box := newService(t)

	s.HandleMeter("meter/sauna/L1_A", []byte("12.0"))
	s.HandleMeter("meter/sauna/l2_a", []byte(" 7.0\n"))
	require.Zero(t, box.Len(), "incomplete accumulator must not emit")

	s.HandleMeter("meter/sauna/l3_a", []byte("3.0"))
	ev := takeEvent(t, box)
	pr, ok := ev.(mailbox.PhaseReading)
	require.True(t, ok, "unexpected event %T", ev)
	require.Equal(t, 12.0, pr.Reading.L1)
	require.Equal(t, 7.0, pr.Reading.L2)
	require.Equal(t, 3.0, pr.Reading.L3)
	require.Zero(t, box.Len())

	// Once primed, every phase update emits with the latest values.
	s.HandleMeter("meter/sauna/l1_a", []byte("26.5"))
	pr = takeEvent(t, box).(mailbox.PhaseReading)
	require.Equal(t, 26.5, pr.Reading.L1)
	require.Equal(t, 7.0, pr.Reading.L2)
}

func TestMeterIgnoresOtherChannels(t *testing.T) {
	s, box := newService(t)

	s.HandleMeter("meter/sauna/total_kwh", []byte("1234"))
	s.HandleMeter("meter/sauna/voltage", []byte("231.2"))
	require.Zero(t, box.Len())
}

func TestMeterRejectsBadPayloads(t *testing.T) {
	s, box := newService(t)

	s.HandleMeter("meter/sauna/l1_a", []byte("not a number"))
	s.HandleMeter("meter/sauna/l2_a", []byte("-3"))
	s.HandleMeter("meter/sauna/l3_a", []byte(""))
	require.Zero(t, box.Len())
}

func TestTemperaturePayloads(t *testing.T) {
	s, box := newService(t)

	s.HandleTemperature("sensors/ruuvi", []byte(`{"temp": 61.5, "humidity": 14.2, "batt": 2.9, "rssi": -71}`))
	tr := takeEvent(t, box).(mailbox.TemperatureReading)
	require.Equal(t, 61.5, tr.Reading.Celsius)
	require.NotNil(t, tr.Reading.Humidity)
	require.Equal(t, 14.2, *tr.Reading.Humidity)
	require.Equal(t, -71, *tr.Reading.RSSI)

	s.HandleTemperature("sensors/ruuvi", []byte(`{"temp": 20.0}`))
	tr = takeEvent(t, box).(mailbox.TemperatureReading)
	require.Nil(t, tr.Reading.Humidity)

	s.HandleTemperature("sensors/ruuvi", []byte(`{"humidity": 40}`)) // temp required
	s.HandleTemperature("sensors/ruuvi", []byte(`garbage`))
	require.Zero(t, box.Len())
}

func TestDoorPayloads(t *testing.T) {
	s, box := newService(t)

	s.HandleDoor("sensors/door", []byte(`{"Window": 1, "Battery": 87}`))
	dr := takeEvent(t, box).(mailbox.DoorReading)
	require.True(t, dr.Reading.IsOpen)

	s.HandleDoor("sensors/door", []byte(`{"Window": 0}`))
	dr = takeEvent(t, box).(mailbox.DoorReading)
	require.False(t, dr.Reading.IsOpen)

	s.HandleDoor("sensors/door", []byte(`{"Window": 2}`))
	s.HandleDoor("sensors/door", []byte(`{}`))
	require.Zero(t, box.Len())
}

func TestButtonNormalization(t *testing.T) {
	cases := []struct {
		raw  string
		want types.ButtonAction
	}{
		{"click", types.ButtonClick},
		{"single_click", types.ButtonClick},
		{"double_click", types.ButtonDoubleClick},
		{"doubleclick", types.ButtonDoubleClick},
		{"hold", types.ButtonHold},
		{"long_press", types.ButtonHold},
		{"LONG_PRESS", types.ButtonHold},
		{"mystery", types.ButtonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			s, box := newService(t)
			s.HandleButton("buttons/flic", []byte(`{"action": "`+tc.raw+`", "button_id": "b1"}`))
			be := takeEvent(t, box).(mailbox.ButtonEvent)
			require.Equal(t, tc.want, be.Event.Action)
			require.Equal(t, "b1", be.Event.ButtonID)
		})
	}
}

func TestVentilatorStatus(t *testing.T) {
	s, box := newService(t)

	s.HandleVentilator("shellies/vent/status", []byte(`{"output": true}`))
	vo := takeEvent(t, box).(mailbox.VentilatorObserved)
	require.True(t, vo.On)

	s.HandleVentilator("shellies/vent/status", []byte(`{"state":"OFF"}`))
	vo = takeEvent(t, box).(mailbox.VentilatorObserved)
	require.False(t, vo.On)

	s.HandleVentilator("shellies/vent/status", []byte(`nope`))
	require.Zero(t, box.Len())
}

func TestMcbStatusFallback(t *testing.T) {
	s, box := newService(t)

	s.HandleMcbStatus("breaker/status", []byte("ON"))
	mo := takeEvent(t, box).(mailbox.McbObserved)
	require.Equal(t, types.McbOn, mo.State)
	require.Equal(t, types.SourceMqtt, mo.Source)

	s.HandleMcbStatus("breaker/status", []byte("off"))
	mo = takeEvent(t, box).(mailbox.McbObserved)
	require.Equal(t, types.McbOff, mo.State)

	s.HandleMcbStatus("breaker/status", []byte("maybe"))
	require.Zero(t, box.Len())
}

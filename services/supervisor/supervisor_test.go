package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"saunactl/bus"
	"saunactl/mailbox"
	"saunactl/sched"
	"saunactl/services/floorheat"
	"saunactl/services/ratelimit"
	"saunactl/services/ventilator"
	"saunactl/types"
)

type fakeMcb struct {
	mu       sync.Mutex
	onCalls  int
	offCalls int
	fail     error
}

func (m *fakeMcb) TurnOn(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.onCalls++
	return nil
}

func (m *fakeMcb) TurnOff(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.offCalls++
	return nil
}

func (m *fakeMcb) Close() error { return nil }

func (m *fakeMcb) calls() (on, off int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onCalls, m.offCalls
}

type fakeNotifier struct {
	mu     sync.Mutex
	bodies []string
	fail   error
}

func (n *fakeNotifier) SendText(_ context.Context, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.bodies = append(n.bodies, body)
	return nil
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.bodies...)
}

type fakeRelay struct{}

func (fakeRelay) Set(context.Context, bool) error      { return nil }
func (fakeRelay) Status(context.Context) (bool, error) { return false, nil }

type fakeThermostat struct{}

func (fakeThermostat) SetMode(context.Context, types.HeatingMode) error { return nil }
func (fakeThermostat) SetTargetC(context.Context, float64) error        { return nil }
func (fakeThermostat) Status(context.Context) (types.FloorHeatingState, error) {
	return types.FloorHeatingState{}, nil
}

type fixture struct {
	clk      *testclock.Clock
	box      *mailbox.Mailbox
	bus      *bus.Bus
	mcb      *fakeMcb
	notifier *fakeNotifier
	sup      *Supervisor

	mcbSub *bus.Subscription
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := testclock.NewClock(time.Unix(1_000, 0))
	box := mailbox.New(64)
	s := sched.New(clk, box.Put)
	b := bus.NewBus(64)
	mcb := &fakeMcb{}
	notifier := &fakeNotifier{}
	log := zerolog.Nop()

	vent := ventilator.New(ventilator.Config{Enabled: false}, fakeRelay{}, s, log)
	floor := floorheat.New(floorheat.Config{Enabled: false}, fakeThermostat{}, s, box.Put, log)
	limiter := ratelimit.New(map[ratelimit.Kind]time.Duration{
		ratelimit.SafetyShutdown:   60 * time.Second,
		ratelimit.TemperatureAlert: 300 * time.Second,
	})

	f := &fixture{clk: clk, box: box, bus: b, mcb: mcb, notifier: notifier}
	f.sup = New(cfg, box, s, b.NewConnection("supervisor"), mcb, notifier, vent, floor, limiter, log)
	f.mcbSub = b.NewConnection("test").Subscribe(bus.T(types.TopicPrefix, types.RecordMcbStatus))
	return f
}

// lastMcbRecord drains the subscription and returns the newest record.
func (f *fixture) lastMcbRecord(t *testing.T) types.McbStatusRecord {
	t.Helper()
	var rec types.McbStatusRecord
	got := false
	for {
		select {
		case msg := <-f.mcbSub.Channel():
			rec = msg.Payload.(types.McbStatusRecord)
			got = true
		default:
			require.True(t, got, "no mcb_status record published")
			return rec
		}
	}
}

func phases(l1, l2, l3 float64, at time.Time) mailbox.Event {
	return mailbox.PhaseReading{Reading: types.PhaseReading{L1: l1, L2: l2, L3: l3, At: at}}
}

// A reading over the threshold while the breaker is on trips it exactly once
// and sends one alert naming the offending phase.
func TestSafetyTrip(t *testing.T) {
	f := newFixture(t, Config{SafetyEnabled: true})

	f.sup.handle(mailbox.McbObserved{State: types.McbOn, Source: types.SourceLocal})

	f.sup.handle(phases(12, 7, 3, f.clk.Now()))
	_, off := f.mcb.calls()
	require.Zero(t, off, "below-threshold reading must not trip")

	f.sup.handle(phases(28, 7, 3, f.clk.Now()))
	_, off = f.mcb.calls()
	require.Equal(t, 1, off)

	rec := f.lastMcbRecord(t)
	require.Equal(t, "off", rec.Status)
	require.Empty(t, rec.LastSafetyError)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0], "L1 (28A)")
}

// Within the cooldown window a second over-threshold reading is ignored.
func TestSafetyCooldown(t *testing.T) {
	f := newFixture(t, Config{SafetyEnabled: true, SwitchOffCooldown: 10 * time.Second})

	f.sup.handle(mailbox.McbObserved{State: types.McbOn, Source: types.SourceLocal})
	f.sup.handle(phases(28, 7, 3, f.clk.Now()))
	_, off := f.mcb.calls()
	require.Equal(t, 1, off)

	// Breaker reported back on within the cooldown window.
	f.clk.Advance(5 * time.Second)
	f.sup.handle(mailbox.McbObserved{State: types.McbOn, Source: types.SourceLocal})
	f.sup.handle(phases(28, 7, 3, f.clk.Now()))
	_, off = f.mcb.calls()
	require.Equal(t, 1, off, "cooldown must suppress a second trip")

	// Past the window the trip fires again.
	f.clk.Advance(6 * time.Second)
	f.sup.handle(phases(28, 7, 3, f.clk.Now()))
	_, off = f.mcb.calls()
	require.Equal(t, 2, off)
}

// A failing off command annotates the snapshot, keeps state, and sends no
// alert. The cooldown stays committed so the trip is not retried per reading.
func TestSafetyShutdownFailure(t *testing.T) {
	f := newFixture(t, Config{SafetyEnabled: true, SwitchOffCooldown: 10 * time.Second})

	f.sup.handle(mailbox.McbObserved{State: types.McbOn, Source: types.SourceLocal})
	f.mcb.fail = errors.New("device unreachable")

	f.sup.handle(phases(28, 7, 3, f.clk.Now()))
	rec := f.lastMcbRecord(t)
	require.Equal(t, "on", rec.Status, "failed trip must not flip state")
	require.Contains(t, rec.LastSafetyError, "device unreachable")
	require.Empty(t, f.notifier.sent())

	f.sup.handle(phases(28, 7, 3, f.clk.Now()))
	require.Empty(t, f.notifier.sent(), "cooldown holds after a failed trip")
}

func TestSafetyDisabled(t *testing.T) {
	f := newFixture(t, Config{SafetyEnabled: false})

	f.sup.handle(mailbox.McbObserved{State: types.McbOn, Source: types.SourceLocal})
	f.sup.handle(phases(28, 28, 28, f.clk.Now()))
	_, off := f.mcb.calls()
	require.Zero(t, off)
}

// Default mapping: double-click forces off while on, click toggles on while
// off.
func TestButtonMapping(t *testing.T) {
	f := newFixture(t, Config{})

	f.sup.handle(mailbox.McbObserved{State: types.McbOn, Source: types.SourceLocal})
	f.sup.handle(mailbox.ButtonEvent{Event: types.ButtonEvent{Action: types.ButtonDoubleClick}})
	on, off := f.mcb.calls()
	require.Zero(t, on)
	require.Equal(t, 1, off)
	require.Equal(t, "off", f.lastMcbRecord(t).Status)

	f.sup.handle(mailbox.ButtonEvent{Event: types.ButtonEvent{Action: types.ButtonClick}})
	on, off = f.mcb.calls()
	require.Equal(t, 1, on)
	require.Equal(t, 1, off)
	require.Equal(t, "on", f.lastMcbRecord(t).Status)
}

func TestTemperatureAlertRateLimited(t *testing.T) {
	f := newFixture(t, Config{TemperatureAlertC: 85})

	temp := func(c float64) mailbox.Event {
		return mailbox.TemperatureReading{Reading: types.TemperatureReading{Celsius: c, At: f.clk.Now()}}
	}

	f.sup.handle(temp(84.9))
	require.Empty(t, f.notifier.sent())

	f.sup.handle(temp(90))
	require.Len(t, f.notifier.sent(), 1)

	f.clk.Advance(100 * time.Second)
	f.sup.handle(temp(95))
	require.Len(t, f.notifier.sent(), 1, "alert inside the 300s window is suppressed")

	f.clk.Advance(201 * time.Second)
	f.sup.handle(temp(95))
	require.Len(t, f.notifier.sent(), 2)
}

func TestOperatorCommands(t *testing.T) {
	f := newFixture(t, Config{})

	run := func(cmd types.Command) types.CommandResult {
		reply := make(chan types.CommandResult, 1)
		f.sup.handle(mailbox.OperatorCommand{Cmd: cmd, Reply: reply})
		select {
		case res := <-reply:
			return res
		default:
			t.Fatalf("no reply for %s", cmd)
			return types.CommandResult{}
		}
	}

	res := run(types.CmdGetMcb)
	require.True(t, res.OK)
	require.Equal(t, types.McbUnknown, res.Mcb)

	res = run(types.CmdTurnOn)
	require.True(t, res.OK)
	require.Equal(t, types.McbOn, res.Mcb)

	res = run(types.CmdToggle)
	require.True(t, res.OK)
	require.Equal(t, types.McbOff, res.Mcb)

	res = run(types.CmdToggle)
	require.True(t, res.OK)
	require.Equal(t, types.McbOn, res.Mcb)

	res = run(types.Command("bogus"))
	require.False(t, res.OK)
	require.Equal(t, "unknown_command", res.Code)
}

func TestCommandFailureKeepsState(t *testing.T) {
	f := newFixture(t, Config{})

	f.sup.handle(mailbox.McbObserved{State: types.McbOff, Source: types.SourceLocal})
	f.mcb.fail = errors.New("link down")

	reply := make(chan types.CommandResult, 1)
	f.sup.handle(mailbox.OperatorCommand{Cmd: types.CmdTurnOn, Reply: reply})
	res := <-reply
	require.False(t, res.OK)
	require.Equal(t, types.McbOff, res.Mcb)
	require.NotEmpty(t, res.Message)
}

// Test notifications bypass the rate limiter: two in a row both go out.
func TestTestNotifyUnmetered(t *testing.T) {
	f := newFixture(t, Config{})

	reply := make(chan types.CommandResult, 1)
	f.sup.handle(mailbox.OperatorCommand{Cmd: types.CmdTestNotify, Reply: reply})
	require.True(t, (<-reply).OK)
	f.sup.handle(mailbox.OperatorCommand{Cmd: types.CmdTestNotify, Reply: reply})
	require.True(t, (<-reply).OK)
	require.Len(t, f.notifier.sent(), 2)
}

// A late subscriber sees the current breaker state through the retained
// record.
func TestRetainedSnapshotForLateSubscriber(t *testing.T) {
	f := newFixture(t, Config{})

	f.sup.handle(mailbox.McbObserved{State: types.McbOn, Source: types.SourceLocal})

	late := f.bus.NewConnection("late").Subscribe(bus.T(types.TopicPrefix, types.RecordMcbStatus))
	select {
	case msg := <-late.Channel():
		require.Equal(t, "on", msg.Payload.(types.McbStatusRecord).Status)
	default:
		t.Fatal("late subscriber got no retained record")
	}
}

func TestShutdownStopsLoop(t *testing.T) {
	f := newFixture(t, Config{})

	done := make(chan error, 1)
	go func() { done <- f.sup.Run(context.Background()) }()

	require.True(t, f.box.Put(mailbox.McbObserved{State: types.McbOn, Source: types.SourceLocal}))
	f.box.Put(mailbox.Shutdown{})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	require.False(t, f.box.Put(mailbox.Shutdown{}), "mailbox must be closed after shutdown")
}

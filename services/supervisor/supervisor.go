// Package supervisor is the single consumer of the event mailbox. All
// authoritative state lives here and is mutated on one goroutine; adapters,
// timers and the HTTP layer only ever enqueue events.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"saunactl/bus"
	"saunactl/errcode"
	"saunactl/mailbox"
	"saunactl/sched"
	"saunactl/services/floorheat"
	"saunactl/services/ratelimit"
	"saunactl/services/safety"
	"saunactl/services/ventilator"
	"saunactl/types"
	"saunactl/x/timex"
)

var (
	safetyShutdowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sauna_safety_shutdowns_total",
		Help: "Safety trips that issued a breaker off command.",
	})
	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sauna_notifications_total",
		Help: "Outbound notifications by kind and outcome.",
	}, []string{"kind", "outcome"})
)

// FlicConfig maps button actions to breaker commands.
type FlicConfig struct {
	Click       types.FlicAction
	DoubleClick types.FlicAction
	Hold        types.FlicAction
}

func DefaultFlic() FlicConfig {
	return FlicConfig{
		Click:       types.FlicToggle,
		DoubleClick: types.FlicForceOff,
		Hold:        types.FlicForceOn,
	}
}

type Config struct {
	AmperageThreshold float64
	SafetyEnabled     bool
	SwitchOffCooldown time.Duration
	TemperatureAlertC float64
	CommandTimeout    time.Duration // breaker commands
	NotifyTimeout     time.Duration
	DrainDeadline     time.Duration // shutdown drain
	Flic              FlicConfig
}

func (c *Config) fill() {
	if c.AmperageThreshold <= 0 {
		c.AmperageThreshold = 25
	}
	if c.SwitchOffCooldown <= 0 {
		c.SwitchOffCooldown = 10 * time.Second
	}
	if c.TemperatureAlertC <= 0 {
		c.TemperatureAlertC = 85
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 2 * time.Second
	}
	zero := FlicConfig{}
	if c.Flic == zero {
		c.Flic = DefaultFlic()
	}
}

type Supervisor struct {
	log      zerolog.Logger
	cfg      Config
	box      *mailbox.Mailbox
	sched    *sched.Service
	conn     *bus.Connection
	mcbDev   types.McbDevice
	notifier types.Notifier
	vent     *ventilator.Controller
	floor    *floorheat.Controller
	limiter  *ratelimit.Limiter

	mcb             types.McbState
	mcbSource       types.StatusSource
	lastPhases      *types.PhaseReading
	lastTemp        *types.TemperatureReading
	lastDoor        *types.DoorReading
	lastSwitchOffAt time.Time
	lastSafetyError string
}

func New(
	cfg Config,
	box *mailbox.Mailbox,
	s *sched.Service,
	conn *bus.Connection,
	mcbDev types.McbDevice,
	notifier types.Notifier,
	vent *ventilator.Controller,
	floor *floorheat.Controller,
	limiter *ratelimit.Limiter,
	log zerolog.Logger,
) *Supervisor {
	cfg.fill()
	return &Supervisor{
		log:       log.With().Str("svc", "supervisor").Logger(),
		cfg:       cfg,
		box:       box,
		sched:     s,
		conn:      conn,
		mcbDev:    mcbDev,
		notifier:  notifier,
		vent:      vent,
		floor:     floor,
		limiter:   limiter,
		mcb:       types.McbUnknown,
		mcbSource: types.SourceLocal,
	}
}

// Run consumes the mailbox until a Shutdown event or ctx cancellation. It
// never panics out of the loop; adapter errors are logged, recorded in the
// snapshot, or returned to the command's caller.
func (s *Supervisor) Run(ctx context.Context) error {
	s.publishMcb()
	for {
		ev, err := s.box.Receive(ctx)
		if err != nil {
			s.shutdown()
			if err == mailbox.ErrClosed {
				return nil
			}
			return err
		}
		if done := s.handle(ev); done {
			return nil
		}
	}
}

// handle dispatches one event; true means the loop should stop.
func (s *Supervisor) handle(ev mailbox.Event) bool {
	switch e := ev.(type) {
	case mailbox.McbObserved:
		s.onMcbObserved(e.State, e.Source)
	case mailbox.PhaseReading:
		s.onPhaseReading(e.Reading)
	case mailbox.TemperatureReading:
		s.onTemperature(e.Reading)
	case mailbox.DoorReading:
		s.lastDoor = &e.Reading
		s.publish(types.RecordDoor, types.DoorRecord{IsOpen: e.Reading.IsOpen, TS: timex.Ms(e.Reading.At)})
	case mailbox.ButtonEvent:
		s.onButton(e.Event)
	case mailbox.VentilatorObserved:
		s.vent.SetObserved(e.On)
		s.publishVentilator()
	case mailbox.FloorHeatUpdated:
		s.floor.Update(e.State)
		s.publish(types.RecordFloorHeating, s.floor.Record())
	case mailbox.OperatorCommand:
		res := s.execCommand(e.Cmd)
		if e.Reply != nil {
			select {
			case e.Reply <- res:
			default: // caller gone; never block the loop
			}
		}
	case mailbox.TimerFired:
		s.onTimerFired(e)
	case mailbox.Shutdown:
		s.drain()
		s.shutdown()
		return true
	default:
		s.log.Warn().Str("kind", ev.Kind()).Msg("unhandled event")
	}
	return false
}

func (s *Supervisor) onMcbObserved(state types.McbState, src types.StatusSource) {
	if state == s.mcb {
		s.mcbSource = src
		s.publishMcb()
		return
	}
	s.applyMcb(state, src)
}

// applyMcb commits a breaker state change and fires the peripheral
// side-effects. Used for both observations and successful commands.
func (s *Supervisor) applyMcb(state types.McbState, src types.StatusSource) {
	prev := s.mcb
	s.mcb = state
	s.mcbSource = src
	s.log.Info().
		Str("from", string(prev)).Str("to", string(state)).Str("source", string(src)).
		Msg("breaker state changed")
	s.publishMcb()

	switch {
	case state == types.McbOn && prev != types.McbOn:
		s.vent.OnMcbOn()
		s.floor.OnSaunaOn()
		s.publishVentilator()
	case state == types.McbOff && prev == types.McbOn:
		s.vent.OnMcbOff()
		s.floor.OnSaunaOff()
		s.publishVentilator()
	}
}

func (s *Supervisor) onPhaseReading(p types.PhaseReading) {
	s.lastPhases = &p
	s.publish(types.RecordSensorData, types.SensorDataRecord{
		L1: &p.L1, L2: &p.L2, L3: &p.L3, TS: timex.Ms(p.At),
	})
	if s.mcb != types.McbOn || !s.cfg.SafetyEnabled {
		return
	}
	if offenders := safety.CheckThresholds(p, s.cfg.AmperageThreshold); len(offenders) > 0 {
		s.runSafetyShutdown(offenders)
	}
}

// runSafetyShutdown trips the breaker. The cooldown stamp is committed
// before the off command so that a failing device cannot cause a trip storm;
// a failed command annotates the snapshot and leaves the state alone.
func (s *Supervisor) runSafetyShutdown(offenders []safety.Offender) {
	now := s.sched.Now()
	if now.Sub(s.lastSwitchOffAt) < s.cfg.SwitchOffCooldown {
		return
	}
	s.lastSwitchOffAt = now
	safetyShutdowns.Inc()

	detail := safety.FormatOffenders(offenders)
	s.log.Warn().Str("offenders", detail).Msg("amperage threshold exceeded, tripping breaker")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
	err := s.mcbDev.TurnOff(ctx)
	cancel()
	if err != nil {
		s.lastSafetyError = err.Error()
		s.log.Error().Err(err).Msg("safety shutdown command failed")
		s.publishMcb()
		return
	}
	s.lastSafetyError = ""
	s.applyMcb(types.McbOff, types.SourceCommand)

	if d := s.limiter.Allow(ratelimit.SafetyShutdown, now); !d.Allowed {
		s.log.Debug().Dur("remaining", d.Remaining).Msg("shutdown alert rate limited")
		notifications.WithLabelValues(string(ratelimit.SafetyShutdown), "rate_limited").Inc()
		return
	}
	body := "Sauna safety shutdown: " + detail
	if s.notify(body) == nil {
		s.limiter.MarkSent(ratelimit.SafetyShutdown, now)
		notifications.WithLabelValues(string(ratelimit.SafetyShutdown), "sent").Inc()
	} else {
		notifications.WithLabelValues(string(ratelimit.SafetyShutdown), "failed").Inc()
	}
}

func (s *Supervisor) onTemperature(t types.TemperatureReading) {
	s.lastTemp = &t
	s.publish(types.RecordTemperature, types.TemperatureRecord{
		Temperature: t.Celsius, Humidity: t.Humidity, TS: timex.Ms(t.At),
	})
	if t.Celsius < s.cfg.TemperatureAlertC {
		return
	}
	now := s.sched.Now()
	if d := s.limiter.Allow(ratelimit.TemperatureAlert, now); !d.Allowed {
		s.log.Debug().Dur("remaining", d.Remaining).Msg("temperature alert rate limited")
		notifications.WithLabelValues(string(ratelimit.TemperatureAlert), "rate_limited").Inc()
		return
	}
	body := fmt.Sprintf("Sauna temperature alert: %.1f C", t.Celsius)
	if s.notify(body) == nil {
		s.limiter.MarkSent(ratelimit.TemperatureAlert, now)
		notifications.WithLabelValues(string(ratelimit.TemperatureAlert), "sent").Inc()
	} else {
		notifications.WithLabelValues(string(ratelimit.TemperatureAlert), "failed").Inc()
	}
}

func (s *Supervisor) onButton(b types.ButtonEvent) {
	var action types.FlicAction
	switch b.Action {
	case types.ButtonClick:
		action = s.cfg.Flic.Click
	case types.ButtonDoubleClick:
		action = s.cfg.Flic.DoubleClick
	case types.ButtonHold:
		action = s.cfg.Flic.Hold
	default:
		s.log.Debug().Str("action", string(b.Action)).Msg("unmapped button action")
		return
	}
	var cmd types.Command
	switch action {
	case types.FlicToggle:
		cmd = types.CmdToggle
	case types.FlicForceOn:
		cmd = types.CmdForceOn
	case types.FlicForceOff:
		cmd = types.CmdForceOff
	default:
		return
	}
	s.log.Info().Str("button", b.ButtonID).Str("cmd", string(cmd)).Msg("button press")
	res := s.execCommand(cmd)
	if !res.OK {
		s.log.Warn().Str("cmd", string(cmd)).Str("code", res.Code).Str("msg", res.Message).
			Msg("button command failed")
	}
}

// execCommand runs one operator command synchronously. Failures are
// returned as structured results and never mutate breaker state.
func (s *Supervisor) execCommand(cmd types.Command) types.CommandResult {
	switch cmd {
	case types.CmdGetMcb, types.CmdHealth:
		return types.CommandResult{OK: true, Mcb: s.mcb}
	case types.CmdTurnOn, types.CmdForceOn:
		return s.switchMcb(types.McbOn)
	case types.CmdTurnOff, types.CmdForceOff:
		return s.switchMcb(types.McbOff)
	case types.CmdToggle:
		if s.mcb == types.McbOn {
			return s.switchMcb(types.McbOff)
		}
		return s.switchMcb(types.McbOn)
	case types.CmdTestNotify:
		// Not rate limited; the operator is probing the channel.
		if err := s.notify("Test notification"); err != nil {
			return errResult(s.mcb, err)
		}
		return types.CommandResult{OK: true, Mcb: s.mcb}
	}
	return types.CommandResult{
		OK: false, Mcb: s.mcb,
		Code:    string(errcode.UnknownCommand),
		Message: fmt.Sprintf("unknown command %q", cmd),
	}
}

func (s *Supervisor) switchMcb(target types.McbState) types.CommandResult {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
	defer cancel()
	var err error
	if target == types.McbOn {
		err = s.mcbDev.TurnOn(ctx)
	} else {
		err = s.mcbDev.TurnOff(ctx)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("target", string(target)).Msg("breaker command failed")
		return errResult(s.mcb, err)
	}
	s.applyMcb(target, types.SourceCommand)
	return types.CommandResult{OK: true, Mcb: s.mcb}
}

func errResult(mcb types.McbState, err error) types.CommandResult {
	return types.CommandResult{
		OK: false, Mcb: mcb,
		Code:    string(errcode.Of(err)),
		Message: err.Error(),
	}
}

func (s *Supervisor) onTimerFired(f mailbox.TimerFired) {
	if !s.sched.Valid(f) {
		return // cancelled or re-armed after this firing was queued
	}
	switch {
	case s.vent.Owns(f.ID):
		s.vent.HandleTimer(f)
		s.publishVentilator()
	case s.floor.Owns(f.ID):
		s.floor.HandleTimer(f)
	default:
		s.log.Warn().Str("timer", f.ID).Msg("timer with no owner")
	}
}

// drain processes whatever is already queued, bounded by the drain deadline.
func (s *Supervisor) drain() {
	deadline := time.Now().Add(s.cfg.DrainDeadline)
	for time.Now().Before(deadline) {
		ev, ok := s.box.TryReceive()
		if !ok {
			return
		}
		if _, isShutdown := ev.(mailbox.Shutdown); isShutdown {
			continue
		}
		s.handle(ev)
	}
}

func (s *Supervisor) shutdown() {
	s.log.Info().Msg("supervisor stopping")
	s.sched.StopAll()
	s.vent.StopAll()
	if err := s.mcbDev.Close(); err != nil {
		s.log.Warn().Err(err).Msg("breaker close failed")
	}
	s.box.Close()
	s.conn.Disconnect()
}

func (s *Supervisor) notify(body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
	defer cancel()
	if err := s.notifier.SendText(ctx, body); err != nil {
		s.log.Warn().Err(err).Msg("notification failed")
		return err
	}
	return nil
}

// ---- snapshot publishing ----

func (s *Supervisor) publish(record string, payload any) {
	s.conn.Publish(s.conn.NewMessage(bus.T(types.TopicPrefix, record), payload, true))
}

func (s *Supervisor) publishMcb() {
	s.publish(types.RecordMcbStatus, types.McbStatusRecord{
		Status:          string(s.mcb),
		Source:          string(s.mcbSource),
		LastSafetyError: s.lastSafetyError,
		TS:              timex.Ms(s.sched.Now()),
	})
}

func (s *Supervisor) publishVentilator() {
	s.publish(types.RecordVentilator, s.vent.Record())
}

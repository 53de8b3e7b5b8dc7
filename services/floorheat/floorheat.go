// Package floorheat drives the floor-heating thermostat alongside the sauna:
// heater on parks the floor at its comfort setpoint, heater off drops it to
// standby. Commands are best-effort and never block an MCB transition.
package floorheat

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"saunactl/mailbox"
	"saunactl/sched"
	"saunactl/types"
	"saunactl/x/timex"
)

const (
	TimerPoll = "floorheat.poll"

	timerPrefix = "floorheat."
)

type Config struct {
	Enabled    bool
	TargetOnC  float64 // setpoint while the sauna is on
	TargetOffC float64 // standby setpoint
	Timeout    time.Duration
	PollEvery  time.Duration
}

// Controller's state is only mutated on the supervisor goroutine; poll
// results come back as FloorHeatUpdated events.
type Controller struct {
	log   zerolog.Logger
	dev   types.Thermostat
	sched *sched.Service
	post  func(mailbox.Event) bool
	cfg   Config

	state types.FloorHeatingState
}

func New(cfg Config, dev types.Thermostat, s *sched.Service, post func(mailbox.Event) bool, log zerolog.Logger) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 30 * time.Second
	}
	return &Controller{
		log:   log.With().Str("svc", "floorheat").Logger(),
		dev:   dev,
		sched: s,
		post:  post,
		cfg:   cfg,
		state: types.FloorHeatingState{Mode: types.ModeUnknown, Action: types.ActionUnknown},
	}
}

// Start arms the periodic status poll and kicks an immediate refresh.
func (c *Controller) Start() {
	if !c.cfg.Enabled {
		return
	}
	c.sched.Every(TimerPoll, c.cfg.PollEvery)
	go c.poll()
}

// Owns reports whether a timer ID belongs to this component.
func (c *Controller) Owns(id string) bool { return strings.HasPrefix(id, timerPrefix) }

// OnSaunaOn raises the floor setpoint. Fire-and-forget.
func (c *Controller) OnSaunaOn() { go c.apply(c.cfg.TargetOnC) }

// OnSaunaOff drops the floor to standby. Fire-and-forget.
func (c *Controller) OnSaunaOff() { go c.apply(c.cfg.TargetOffC) }

func (c *Controller) HandleTimer(f mailbox.TimerFired) {
	if f.ID != TimerPoll {
		c.log.Warn().Str("timer", f.ID).Msg("unexpected timer")
		return
	}
	go c.poll()
}

// Update records a poll result delivered back through the mailbox.
func (c *Controller) Update(st types.FloorHeatingState) {
	c.state = st
}

func (c *Controller) State() types.FloorHeatingState { return c.state }

func (c *Controller) Record() types.FloorHeatingRecord {
	return types.FloorHeatingRecord{
		CurrentTemp: c.state.CurrentC,
		TargetTemp:  c.state.TargetC,
		Mode:        string(c.state.Mode),
		Action:      string(c.state.Action),
		TS:          timex.Ms(c.state.At),
	}
}

func (c *Controller) apply(target float64) {
	if !c.cfg.Enabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	if err := c.dev.SetMode(ctx, types.ModeManual); err != nil {
		c.log.Warn().Err(err).Msg("set mode failed")
		return
	}
	if err := c.dev.SetTargetC(ctx, target); err != nil {
		c.log.Warn().Err(err).Float64("target_c", target).Msg("set target failed")
		return
	}
	c.log.Info().Float64("target_c", target).Msg("floor setpoint applied")
}

func (c *Controller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	st, err := c.dev.Status(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("status poll failed")
		return
	}
	c.post(mailbox.FloorHeatUpdated{State: st})
}

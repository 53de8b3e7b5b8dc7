// Package ventilator owns the ventilator relay's delayed-off and keep-alive
// behaviour. The controller's state is mutated only on the supervisor's
// goroutine; relay commands run as fire-and-forget tasks with their own
// deadlines, and failures never alter the state machine.
package ventilator

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"saunactl/mailbox"
	"saunactl/sched"
	"saunactl/types"
	"saunactl/x/timerx"
	"saunactl/x/timex"
)

// Timer IDs owned by this component.
const (
	TimerDelayOff  = "ventilator.delay_off"
	TimerKeepAlive = "ventilator.keep_alive"

	timerPrefix = "ventilator."

	// cycleGap is how long the relay stays off during a keep-alive cycle.
	cycleGap = time.Second
)

type Config struct {
	Enabled   bool
	DelayOff  time.Duration // post-run after the heater goes off
	KeepAlive time.Duration // period of the keep-alive cycler
	Timeout   time.Duration // per relay call
}

// Controller tracks the relay's logical state: which timers are live, the
// last observed relay output, and the pending delayed-off deadline.
type Controller struct {
	log   zerolog.Logger
	relay types.Relay
	sched *sched.Service
	cfg   Config

	relayIsOn      *bool
	lastObservedAt *time.Time

	delayedOffAt *time.Time
	delayHandle  sched.Handle

	keepAliveOn bool
	kaHandle    sched.Handle
}

func New(cfg Config, relay types.Relay, s *sched.Service, log zerolog.Logger) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Controller{
		log:   log.With().Str("svc", "ventilator").Logger(),
		relay: relay,
		sched: s,
		cfg:   cfg,
	}
}

// Owns reports whether a timer ID belongs to this component.
func (c *Controller) Owns(id string) bool { return strings.HasPrefix(id, timerPrefix) }

// OnMcbOn cancels any pending delayed-off, turns the relay on and makes sure
// the keep-alive cycler is running.
func (c *Controller) OnMcbOn() {
	if !c.cfg.Enabled {
		return
	}
	if c.delayedOffAt != nil {
		c.sched.Cancel(c.delayHandle)
		c.delayedOffAt = nil
	}
	go c.set(true)
	if !c.keepAliveOn {
		c.kaHandle = c.sched.Every(TimerKeepAlive, c.cfg.KeepAlive)
		c.keepAliveOn = true
	}
}

// OnMcbOff starts (or re-arms) the delayed-off window while the relay is on
// or in an unknown state; keep-alive continues through the window. If the
// relay is known to be off there is nothing to cool down, so keep-alive
// stops immediately.
func (c *Controller) OnMcbOff() {
	if !c.cfg.Enabled {
		return
	}
	if c.relayIsOn == nil || *c.relayIsOn {
		c.delayHandle = c.sched.After(TimerDelayOff, c.cfg.DelayOff)
		at := c.sched.Now().Add(c.cfg.DelayOff)
		c.delayedOffAt = &at
		return
	}
	c.stopKeepAlive()
}

// HandleTimer dispatches a validated firing of one of this component's
// timers.
func (c *Controller) HandleTimer(f mailbox.TimerFired) {
	switch f.ID {
	case TimerDelayOff:
		c.delayedOffAt = nil
		c.stopKeepAlive()
		go c.set(false)
	case TimerKeepAlive:
		go c.cycle()
	default:
		c.log.Warn().Str("timer", f.ID).Msg("unexpected timer")
	}
}

// SetObserved records the relay state reported on its status stream.
func (c *Controller) SetObserved(on bool) {
	c.relayIsOn = &on
	now := c.sched.Now()
	c.lastObservedAt = &now
}

// StopAll cancels both timers and clears transient state.
func (c *Controller) StopAll() {
	if c.delayedOffAt != nil {
		c.sched.Cancel(c.delayHandle)
		c.delayedOffAt = nil
	}
	c.stopKeepAlive()
}

// Summary reports the controller's view for the live snapshot.
func (c *Controller) Summary() types.VentilatorSummary {
	s := types.VentilatorSummary{
		Enabled:         c.cfg.Enabled,
		RelayIsOn:       c.relayIsOn,
		KeepAliveActive: c.keepAliveOn,
	}
	if c.delayedOffAt != nil {
		s.HasDelayedOff = true
		if remain := c.delayedOffAt.Sub(c.sched.Now()); remain > 0 {
			s.DelayedOffRemainingMs = remain.Milliseconds()
		}
	}
	return s
}

// Record builds the broadcast record for the current summary.
func (c *Controller) Record() types.VentilatorRecord {
	s := c.Summary()
	return types.VentilatorRecord{
		Status:              s.RelayIsOn,
		DelayedOffRemaining: s.DelayedOffRemainingMs,
		TS:                  timex.NowMs(),
	}
}

func (c *Controller) stopKeepAlive() {
	if !c.keepAliveOn {
		return
	}
	c.sched.Cancel(c.kaHandle)
	c.keepAliveOn = false
}

// set issues one relay command; errors are logged and swallowed.
func (c *Controller) set(on bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	if err := c.relay.Set(ctx, on); err != nil {
		c.log.Warn().Err(err).Bool("on", on).Msg("relay command failed")
	}
}

// cycle briefly drops the relay to defeat any upstream auto-off timer.
func (c *Controller) cycle() {
	c.set(false)
	if !timerx.Sleep(context.Background(), cycleGap) {
		return
	}
	c.set(true)
}

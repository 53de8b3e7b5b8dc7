// Package mcb drives the smart circuit breaker over the local key-value
// protocol and feeds its status pushes into the supervisor mailbox.
package mcb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"saunactl/drivers/localkv"
	"saunactl/mailbox"
	"saunactl/types"
)

const (
	// switchDP is the datapoint carrying the breaker switch state.
	switchDP = "1"

	// initDeadline bounds how long a fresh connection may take to report
	// the current state.
	initDeadline = 10 * time.Second
)

type Config struct {
	Addr            string
	DeviceID        string
	LocalKey        string
	ProtocolVersion string

	// PollEvery re-queries the switch state periodically as a safety net for
	// missed pushes. Zero disables polling.
	PollEvery time.Duration
}

// Device implements types.McbDevice and publishes McbObserved events from
// the device's push channel.
type Device struct {
	cli       *localkv.Client
	log       zerolog.Logger
	post      func(mailbox.Event) bool
	pollEvery time.Duration
}

func New(cfg Config, log zerolog.Logger, post func(mailbox.Event) bool) *Device {
	return &Device{
		cli: localkv.NewClient(localkv.Config{
			Addr:            cfg.Addr,
			DeviceID:        cfg.DeviceID,
			LocalKey:        cfg.LocalKey,
			ProtocolVersion: cfg.ProtocolVersion,
		}, log),
		log:       log.With().Str("svc", "mcb").Logger(),
		post:      post,
		pollEvery: cfg.PollEvery,
	}
}

// Start connects and requires the device to report its state within the
// initialisation deadline.
func (d *Device) Start(ctx context.Context) error {
	d.cli.Start(ctx)

	ictx, cancel := context.WithTimeout(ctx, initDeadline)
	defer cancel()
	if err := d.cli.WaitConnected(ictx); err != nil {
		return fmt.Errorf("mcb: no connection within %s: %w", initDeadline, err)
	}
	dps, err := d.cli.Request(ictx, localkv.CmdQuery, nil)
	if err != nil {
		return fmt.Errorf("mcb: initial status query: %w", err)
	}
	if st, ok := parseState(dps); ok {
		d.post(mailbox.McbObserved{State: st, Source: types.SourceLocal})
	} else {
		return fmt.Errorf("mcb: initial status report lacks switch datapoint")
	}

	go d.watch(ctx)
	if d.pollEvery > 0 {
		go d.poll(ctx)
	}
	return nil
}

// poll re-queries the switch state on a fixed interval. Pushes remain the
// primary status path; a failed poll is only logged.
func (d *Device) poll(ctx context.Context) {
	t := time.NewTicker(d.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		dps, err := d.cli.Request(qctx, localkv.CmdQuery, nil)
		cancel()
		if err != nil {
			d.log.Debug().Err(err).Msg("status poll failed")
			continue
		}
		if st, ok := parseState(dps); ok {
			d.post(mailbox.McbObserved{State: st, Source: types.SourceLocal})
		}
	}
}

func (d *Device) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-d.cli.Push():
			if !ok {
				return
			}
			state, ok := parseState(st.DPS)
			if !ok {
				continue
			}
			d.post(mailbox.McbObserved{State: state, Source: types.SourceLocal})
		}
	}
}

func (d *Device) TurnOn(ctx context.Context) error {
	_, err := d.cli.Request(ctx, localkv.CmdControl, map[string]any{switchDP: true})
	return err
}

func (d *Device) TurnOff(ctx context.Context) error {
	_, err := d.cli.Request(ctx, localkv.CmdControl, map[string]any{switchDP: false})
	return err
}

func (d *Device) Close() error { return d.cli.Close() }

func parseState(dps map[string]any) (types.McbState, bool) {
	v, ok := dps[switchDP]
	if !ok {
		return types.McbUnknown, false
	}
	on, ok := v.(bool)
	if !ok {
		return types.McbUnknown, false
	}
	if on {
		return types.McbOn, true
	}
	return types.McbOff, true
}

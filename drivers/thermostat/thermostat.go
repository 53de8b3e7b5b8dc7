// Package thermostat drives the floor-heating unit over the local key-value
// protocol.
package thermostat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"saunactl/drivers/localkv"
	"saunactl/types"
)

// Datapoints of the floor-heating unit. Temperatures are reported in half
// degrees, so 42 on the wire is 21.0 C.
const (
	dpMode    = "4" // "auto" | "manual"
	dpTargetC = "2"
	dpFloorC  = "3"
	dpAction  = "36" // "heating" | "warming" | "idle"

	tempScale = 2.0
)

type Config struct {
	Addr            string
	DeviceID        string
	LocalKey        string
	ProtocolVersion string
}

// Device implements types.Thermostat.
type Device struct {
	cli *localkv.Client
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Device {
	return &Device{
		cli: localkv.NewClient(localkv.Config{
			Addr:            cfg.Addr,
			DeviceID:        cfg.DeviceID,
			LocalKey:        cfg.LocalKey,
			ProtocolVersion: cfg.ProtocolVersion,
		}, log),
		log: log.With().Str("svc", "thermostat").Logger(),
	}
}

func (d *Device) Start(ctx context.Context) { d.cli.Start(ctx) }

func (d *Device) SetMode(ctx context.Context, mode types.HeatingMode) error {
	_, err := d.cli.Request(ctx, localkv.CmdControl, map[string]any{dpMode: string(mode)})
	return err
}

func (d *Device) SetTargetC(ctx context.Context, target float64) error {
	_, err := d.cli.Request(ctx, localkv.CmdControl, map[string]any{
		dpTargetC: int(target * tempScale),
	})
	return err
}

func (d *Device) Status(ctx context.Context) (types.FloorHeatingState, error) {
	dps, err := d.cli.Request(ctx, localkv.CmdQuery, nil)
	if err != nil {
		return types.FloorHeatingState{}, err
	}
	return decodeState(dps, time.Now()), nil
}

func (d *Device) Close() error { return d.cli.Close() }

func decodeState(dps map[string]any, at time.Time) types.FloorHeatingState {
	st := types.FloorHeatingState{
		Mode:   types.ModeUnknown,
		Action: types.ActionUnknown,
		At:     at,
	}
	if v, ok := dps[dpMode].(string); ok {
		switch v {
		case "auto":
			st.Mode = types.ModeAuto
		case "manual":
			st.Mode = types.ModeManual
		}
	}
	if v, ok := asFloat(dps[dpTargetC]); ok {
		st.TargetC = v / tempScale
	}
	if v, ok := asFloat(dps[dpFloorC]); ok {
		st.CurrentC = v / tempScale
	}
	if v, ok := dps[dpAction].(string); ok {
		switch v {
		case "heating":
			st.Action = types.ActionHeating
		case "warming":
			st.Action = types.ActionWarming
		case "idle":
			st.Action = types.ActionIdle
		}
	}
	return st
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

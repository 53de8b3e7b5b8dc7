// saunactl supervises a sauna installation: it watches the smart breaker and
// its phase currents, trips the breaker on overload, runs the ventilator
// post-cooling cycle, parks the floor heating, and exposes an operator HTTP
// surface with a live snapshot stream.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"saunactl/bus"
	"saunactl/drivers/mcb"
	"saunactl/drivers/notifier"
	"saunactl/drivers/shelly"
	"saunactl/drivers/thermostat"
	"saunactl/mailbox"
	"saunactl/sched"
	"saunactl/services/config"
	"saunactl/services/floorheat"
	"saunactl/services/heartbeat"
	"saunactl/services/httpapi"
	"saunactl/services/mqttio"
	"saunactl/services/ratelimit"
	"saunactl/services/supervisor"
	"saunactl/services/ventilator"
	"saunactl/types"
)

const devicePort = "6668"

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		log = log.Level(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.WallClock
	box := mailbox.New(mailbox.DefaultCapacity)
	timers := sched.New(clk, box.Put)
	broadcaster := bus.NewBus(8)

	// Breaker device. The local channel is always the command path; when the
	// status source is the broker, the local pushes are still accepted and
	// the broker topic joins as an extra observer.
	mcbDev := mcb.New(mcb.Config{
		Addr:            deviceAddr(cfg.Mcb.IP),
		DeviceID:        cfg.Mcb.DeviceID,
		LocalKey:        cfg.Mcb.LocalKey,
		ProtocolVersion: cfg.Mcb.ProtocolVersion,
		PollEvery:       config.Ms(cfg.PollingIntervalMs),
	}, log, box.Put)
	if err := mcbDev.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("breaker device")
	}

	relay := shelly.New(cfg.Ventilator.IP, config.Ms(cfg.Ventilator.TimeoutMs))
	vent := ventilator.New(ventilator.Config{
		Enabled:   cfg.VentilatorEnabled(),
		DelayOff:  time.Duration(cfg.Ventilator.DelayOffMinutes) * time.Minute,
		KeepAlive: time.Duration(cfg.Ventilator.KeepAliveMinutes) * time.Minute,
		Timeout:   config.Ms(cfg.Ventilator.TimeoutMs),
	}, relay, timers, log)

	thermo := thermostat.New(thermostat.Config{
		Addr:            deviceAddr(cfg.FloorHeating.IP),
		DeviceID:        cfg.FloorHeating.DeviceID,
		LocalKey:        cfg.FloorHeating.LocalKey,
		ProtocolVersion: cfg.FloorHeating.ProtocolVersion,
	}, log)
	floor := floorheat.New(floorheat.Config{
		Enabled:    cfg.FloorHeatingEnabled(),
		TargetOnC:  cfg.FloorHeating.TargetOnC,
		TargetOffC: cfg.FloorHeating.TargetOffC,
		Timeout:    5 * time.Second,
		PollEvery:  config.Ms(cfg.FloorHeating.PollIntervalMs),
	}, thermo, timers, box.Put, log)
	if cfg.FloorHeatingEnabled() {
		thermo.Start(ctx)
		floor.Start()
	}

	notify := notifier.New(cfg.Notifier.URL, config.Ms(cfg.Notifier.TimeoutMs))

	limiter := ratelimit.New(map[ratelimit.Kind]time.Duration{
		ratelimit.SafetyShutdown:   config.Ms(cfg.NotificationCooldown.SafetyShutdownMs),
		ratelimit.TemperatureAlert: config.Ms(cfg.NotificationCooldown.TemperatureAlertMs),
	})
	sup := supervisor.New(supervisor.Config{
		AmperageThreshold: cfg.AmperageThreshold,
		SafetyEnabled:     cfg.Safety(),
		SwitchOffCooldown: cfg.SwitchOffCooldown(),
		TemperatureAlertC: cfg.TemperatureAlertCelsius,
		CommandTimeout:    config.Ms(cfg.Mcb.CommandTimeoutMs),
		NotifyTimeout:     config.Ms(cfg.Notifier.TimeoutMs),
		Flic: supervisor.FlicConfig{
			Click:       cfg.FlicAction("click"),
			DoubleClick: cfg.FlicAction("doubleClick"),
			Hold:        cfg.FlicAction("hold"),
		},
	}, box, timers, broadcaster.NewConnection("supervisor"), mcbDev, notify, vent, floor, limiter, log)

	topics := mqttio.Topics{
		MeterPrefix: cfg.Mqtt.Topics.MeterPrefix,
		Temperature: cfg.Mqtt.Topics.Temperature,
		Door:        cfg.Mqtt.Topics.Door,
		Button:      cfg.Mqtt.Topics.Button,
		Ventilator:  cfg.Mqtt.Topics.Ventilator,
	}
	if cfg.Mcb.StatusSource == string(types.SourceMqtt) {
		topics.McbStatus = cfg.Mqtt.Topics.McbStatus
	}
	ingest := mqttio.New(mqttio.Config{
		Broker:   cfg.Mqtt.Broker,
		ClientID: cfg.Mqtt.ClientID,
		Topics:   topics,
	}, clk, box.Put, log)
	if cfg.Mqtt.Broker != "" {
		if err := ingest.Start(); err != nil {
			log.Fatal().Err(err).Msg("broker ingest")
		}
		defer ingest.Stop()
	}

	beat := heartbeat.New(clk, broadcaster.NewConnection("heartbeat"), heartbeat.DefaultInterval, log)
	go beat.Run(ctx)

	api := httpapi.New(broadcaster, box.Put, log)
	go func() {
		if err := api.Serve(ctx, cfg.HTTP.Listen); err != nil {
			log.Error().Err(err).Msg("http server")
		}
	}()

	// Translate the signal into an orderly shutdown event.
	go func() {
		<-ctx.Done()
		box.Put(mailbox.Shutdown{})
	}()

	log.Info().Str("listen", cfg.HTTP.Listen).Msg("saunactl starting")
	if err := sup.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("supervisor loop")
	}
	log.Info().Msg("saunactl stopped")
}

func deviceAddr(ip string) string {
	if ip == "" || strings.Contains(ip, ":") {
		return ip
	}
	return ip + ":" + devicePort
}

// Package mqttio subscribes to the broker-side sensor streams and converts
// them into mailbox events. Malformed payloads are dropped here, counted,
// and never reach the supervisor.
package mqttio

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"saunactl/drivers/shelly"
	"saunactl/errcode"
	"saunactl/mailbox"
	"saunactl/types"
)

var malformedPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sauna_mqtt_malformed_payloads_total",
	Help: "Broker payloads dropped at the ingest boundary.",
}, []string{"stream"})

// Topics names the broker-side streams. Empty topics are not subscribed.
type Topics struct {
	MeterPrefix string // phase currents arrive on <prefix>/<phase>
	Temperature string
	Door        string
	Button      string
	Ventilator  string
	McbStatus   string // fallback breaker observer, usually empty
}

type Config struct {
	Broker   string
	ClientID string
	Topics   Topics
}

// Service owns the broker connection and the phase accumulator. Handlers run
// on paho's router goroutine; the accumulator is the only shared state.
type Service struct {
	log  zerolog.Logger
	cfg  Config
	clk  clock.Clock
	post func(mailbox.Event) bool
	cli  mqtt.Client

	l1, l2, l3 *float64
}

func New(cfg Config, clk clock.Clock, post func(mailbox.Event) bool, log zerolog.Logger) *Service {
	return &Service{
		log:  log.With().Str("svc", "mqttio").Logger(),
		cfg:  cfg,
		clk:  clk,
		post: post,
	}
}

// Start connects to the broker and subscribes the configured streams.
// Subscriptions are re-established by the on-connect hook after a reconnect.
func (s *Service) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn().Err(err).Msg("broker connection lost")
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			s.log.Info().Str("broker", s.cfg.Broker).Msg("broker connected")
			s.subscribeAll(c)
		})
	s.cli = mqtt.NewClient(opts)
	if tok := s.cli.Connect(); tok.Wait() && tok.Error() != nil {
		return errcode.Wrap(errcode.NotConnected, "mqttio.connect", tok.Error())
	}
	return nil
}

func (s *Service) Stop() {
	if s.cli != nil {
		s.cli.Disconnect(250)
	}
}

func (s *Service) subscribeAll(c mqtt.Client) {
	sub := func(topic string, h func(string, []byte)) {
		if topic == "" {
			return
		}
		tok := c.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
			h(m.Topic(), m.Payload())
		})
		if tok.Wait() && tok.Error() != nil {
			s.log.Error().Err(tok.Error()).Str("topic", topic).Msg("subscribe failed")
		}
	}
	if s.cfg.Topics.MeterPrefix != "" {
		sub(strings.TrimSuffix(s.cfg.Topics.MeterPrefix, "/")+"/#", s.HandleMeter)
	}
	sub(s.cfg.Topics.Temperature, s.HandleTemperature)
	sub(s.cfg.Topics.Door, s.HandleDoor)
	sub(s.cfg.Topics.Button, s.HandleButton)
	sub(s.cfg.Topics.Ventilator, s.HandleVentilator)
	sub(s.cfg.Topics.McbStatus, s.HandleMcbStatus)
}

// HandleMeter feeds one phase sample into the accumulator. A complete
// PhaseReading is emitted every time all three phases have been seen at
// least once; the accumulator is never reset, so later samples update
// their phase in place.
func (s *Service) HandleMeter(topic string, payload []byte) {
	var slot **float64
	switch phaseSuffix(topic) {
	case "l1_a":
		slot = &s.l1
	case "l2_a":
		slot = &s.l2
	case "l3_a":
		slot = &s.l3
	default:
		return // other meter channels share the prefix
	}
	amps, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil || amps < 0 || math.IsNaN(amps) || math.IsInf(amps, 0) {
		s.drop("meter", topic, fmt.Errorf("bad amperage %q", payload))
		return
	}
	*slot = &amps
	if s.l1 == nil || s.l2 == nil || s.l3 == nil {
		return
	}
	s.post(mailbox.PhaseReading{Reading: types.PhaseReading{
		L1: *s.l1, L2: *s.l2, L3: *s.l3, At: s.clk.Now(),
	}})
}

func phaseSuffix(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		topic = topic[i+1:]
	}
	return strings.ToLower(topic)
}

func (s *Service) HandleTemperature(topic string, payload []byte) {
	var msg struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
		Batt     *float64 `json:"batt"`
		RSSI     *int     `json:"rssi"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Temp == nil {
		s.drop("temperature", topic, err)
		return
	}
	s.post(mailbox.TemperatureReading{Reading: types.TemperatureReading{
		Celsius:  *msg.Temp,
		Humidity: msg.Humidity,
		Battery:  msg.Batt,
		RSSI:     msg.RSSI,
		At:       s.clk.Now(),
	}})
}

func (s *Service) HandleDoor(topic string, payload []byte) {
	var msg struct {
		Window  *int     `json:"Window"`
		Battery *float64 `json:"Battery"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Window == nil || (*msg.Window != 0 && *msg.Window != 1) {
		s.drop("door", topic, err)
		return
	}
	s.post(mailbox.DoorReading{Reading: types.DoorReading{
		IsOpen:  *msg.Window == 1,
		Battery: msg.Battery,
		At:      s.clk.Now(),
	}})
}

func (s *Service) HandleButton(topic string, payload []byte) {
	var msg struct {
		Action   string `json:"action"`
		ButtonID string `json:"button_id"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Action == "" {
		s.drop("button", topic, err)
		return
	}
	s.post(mailbox.ButtonEvent{Event: types.ButtonEvent{
		Action:   normalizeAction(msg.Action),
		ButtonID: msg.ButtonID,
		At:       s.clk.Now(),
	}})
}

// normalizeAction folds the raw action vocabulary of different button
// firmwares into the canonical set.
func normalizeAction(raw string) types.ButtonAction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "click", "single_click", "singleclick", "single":
		return types.ButtonClick
	case "double_click", "doubleclick", "double":
		return types.ButtonDoubleClick
	case "hold", "long_press", "longpress":
		return types.ButtonHold
	}
	return types.ButtonUnknown
}

func (s *Service) HandleVentilator(topic string, payload []byte) {
	on, err := shelly.ParseStatus(payload)
	if err != nil {
		s.drop("ventilator", topic, err)
		return
	}
	s.post(mailbox.VentilatorObserved{On: on})
}

// HandleMcbStatus is the broker-side fallback observer for the breaker.
// Plain on/off payloads and boolean-ish strings are accepted.
func (s *Service) HandleMcbStatus(topic string, payload []byte) {
	var state types.McbState
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on", "true", "1":
		state = types.McbOn
	case "off", "false", "0":
		state = types.McbOff
	default:
		s.drop("mcb_status", topic, fmt.Errorf("bad breaker status %q", payload))
		return
	}
	s.post(mailbox.McbObserved{State: state, Source: types.SourceMqtt})
}

func (s *Service) drop(stream, topic string, err error) {
	malformedPayloads.WithLabelValues(stream).Inc()
	s.log.Debug().Err(err).Str("stream", stream).Str("topic", topic).Msg("malformed payload dropped")
}

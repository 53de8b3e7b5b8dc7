// Package heartbeat publishes a retained liveness record so stream
// subscribers can tell a quiet system from a dead one.
package heartbeat

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"saunactl/bus"
	"saunactl/types"
	"saunactl/x/timex"
)

const DefaultInterval = 30 * time.Second

type Service struct {
	log     zerolog.Logger
	clk     clock.Clock
	conn    *bus.Connection
	every   time.Duration
	started time.Time
}

func New(clk clock.Clock, conn *bus.Connection, every time.Duration, log zerolog.Logger) *Service {
	if every <= 0 {
		every = DefaultInterval
	}
	return &Service{
		log:   log.With().Str("svc", "heartbeat").Logger(),
		clk:   clk,
		conn:  conn,
		every: every,
	}
}

// Run publishes until ctx is cancelled. The first beat goes out immediately.
func (s *Service) Run(ctx context.Context) {
	s.started = s.clk.Now()
	s.beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(s.every):
			s.beat()
		}
	}
}

func (s *Service) beat() {
	now := s.clk.Now()
	s.conn.Publish(s.conn.NewMessage(
		bus.T(types.TopicPrefix, types.RecordHeartbeat),
		types.HeartbeatRecord{
			UptimeS: int64(now.Sub(s.started) / time.Second),
			TS:      timex.Ms(now),
		},
		true,
	))
}

// Package httpapi exposes the operator surface: command endpoints, the live
// snapshot stream (SSE), health, and metrics. Handlers never touch
// supervisor state directly; commands go through the mailbox and snapshots
// come off the broadcaster.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"saunactl/bus"
	"saunactl/errcode"
	"saunactl/mailbox"
	"saunactl/types"
)

type Server struct {
	log        zerolog.Logger
	bus        *bus.Bus
	post       func(mailbox.Event) bool
	cmdTimeout time.Duration
}

func New(b *bus.Bus, post func(mailbox.Event) bool, log zerolog.Logger) *Server {
	return &Server{
		log:        log.With().Str("svc", "httpapi").Logger(),
		bus:        b,
		post:       post,
		cmdTimeout: 15 * time.Second,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/mcb", s.command(types.CmdGetMcb))
	r.Post("/api/on", s.command(types.CmdTurnOn))
	r.Post("/api/off", s.command(types.CmdTurnOff))
	r.Post("/api/toggle", s.command(types.CmdToggle))
	r.Post("/api/force-on", s.command(types.CmdForceOn))
	r.Post("/api/force-off", s.command(types.CmdForceOff))
	r.Post("/api/test-notify", s.command(types.CmdTestNotify))
	r.Get("/health", s.command(types.CmdHealth))
	r.Get("/events", s.events)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve runs the listener until ctx is cancelled, then shuts down with a
// short grace period.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shCtx)
	}()
	err := srv.ListenAndServe()
	<-done
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// command builds a handler that runs one operator command through the
// mailbox and renders the typed result.
func (s *Server) command(cmd types.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan types.CommandResult, 1)
		if !s.post(mailbox.OperatorCommand{Cmd: cmd, Reply: reply}) {
			writeJSON(w, http.StatusServiceUnavailable, types.CommandResult{
				OK: false, Code: string(errcode.Busy), Message: "event queue rejected the command",
			})
			return
		}
		select {
		case res := <-reply:
			status := http.StatusOK
			if !res.OK {
				status = statusOf(errcode.Code(res.Code))
			}
			writeJSON(w, status, res)
		case <-time.After(s.cmdTimeout):
			writeJSON(w, http.StatusGatewayTimeout, types.CommandResult{
				OK: false, Code: string(errcode.Timeout), Message: "command timed out",
			})
		case <-r.Context().Done():
		}
	}
}

func statusOf(c errcode.Code) int {
	switch c {
	case errcode.Timeout:
		return http.StatusGatewayTimeout
	case errcode.Unavailable, errcode.NotConnected, errcode.DeviceProtocol:
		return http.StatusBadGateway
	case errcode.UnknownCommand, errcode.InvalidParams, errcode.InvalidPayload:
		return http.StatusBadRequest
	case errcode.RateLimited:
		return http.StatusTooManyRequests
	case errcode.Busy:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// events streams the live snapshot as Server-Sent Events. The subscriber
// first gets a synthetic connected record, then every retained record, then
// updates as the supervisor publishes them.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	conn := s.bus.NewConnection("sse-" + id)
	defer conn.Disconnect()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, types.RecordConnected, types.ConnectedRecord{SubscriberID: id})
	flusher.Flush()

	sub := conn.Subscribe(bus.T(types.TopicPrefix, "#"))
	s.log.Debug().Str("subscriber", id).Msg("snapshot stream attached")

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug().Str("subscriber", id).Int64("dropped", sub.Dropped()).
				Msg("snapshot stream detached")
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			writeEvent(w, msg.Topic[len(msg.Topic)-1], msg.Payload)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.Write([]byte("event: " + name + "\ndata: " + string(data) + "\n\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// client.go
package localkv

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"saunactl/errcode"
	"saunactl/x/timerx"
)

// Config describes one device endpoint.
type Config struct {
	Addr            string // host:port
	DeviceID        string
	LocalKey        string // 16 bytes; empty for plaintext protocol versions
	ProtocolVersion string // informational, e.g. "3.3"
	DialTimeout     time.Duration
	HeartbeatEvery  time.Duration
}

// Status is an unsolicited datapoint report pushed by the device.
type Status struct {
	DPS map[string]any
	At  time.Time
}

// Client owns a supervised TCP link to one device. Requests are sequence
// matched against responses; unsolicited status frames are delivered on
// Push. The link reconnects with exponential backoff; requests issued while
// the link is down fail fast with errcode.NotConnected.
type Client struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	seq     uint32
	pending map[uint32]chan []byte

	push chan Status

	connected chan struct{} // closed once the first link is up
	connOnce  sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 15 * time.Second
	}
	return &Client{
		cfg:       cfg,
		log:       log.With().Str("dev", cfg.DeviceID).Str("addr", cfg.Addr).Logger(),
		pending:   map[uint32]chan []byte{},
		push:      make(chan Status, 16),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Push delivers unsolicited status reports. The channel is bounded; if the
// consumer stalls, the oldest pending report is discarded.
func (c *Client) Push() <-chan Status { return c.push }

// WaitConnected blocks until the first link is established or ctx expires.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		return errcode.Wrap(errcode.Timeout, "localkv.wait_connected", ctx.Err())
	}
}

// Start launches the link supervision loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			delay := backoff()
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("dial failed")
			if !timerx.Sleep(ctx, delay) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connOnce.Do(func() { close(c.connected) })
		c.log.Info().Msg("link established")
		backoff = backoffSeq(250*time.Millisecond, 5*time.Second)

		if err := c.handleLink(ctx, conn); err != nil {
			c.log.Warn().Err(err).Msg("link lost")
		}

		c.mu.Lock()
		c.conn = nil
		c.failPendingLocked()
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if !timerx.Sleep(ctx, backoff()) {
			return
		}
	}
}

// handleLink owns the active link lifetime: a reader goroutine routes
// frames, the main select drives heartbeats.
func (c *Client) handleLink(ctx context.Context, conn net.Conn) error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			f, err := ReadFrame(conn)
			if err != nil {
				errCh <- err
				return
			}
			c.route(f)
		}
	}()

	tick := time.NewTicker(c.cfg.HeartbeatEvery)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-tick.C:
			if err := c.send(CmdHeartbeat, nil); err != nil {
				return err
			}
		}
	}
}

func (c *Client) route(f Frame) {
	switch f.Cmd {
	case CmdStatus:
		dps, err := c.decodeDPS(f.Payload)
		if err != nil {
			c.log.Debug().Err(err).Msg("undecodable status frame")
			return
		}
		st := Status{DPS: dps, At: time.Now()}
		select {
		case c.push <- st:
		default:
			select {
			case <-c.push:
			default:
			}
			select {
			case c.push <- st:
			default:
			}
		}
	case CmdHeartbeat:
		// keepalive echo, nothing to do
	default:
		c.mu.Lock()
		ch := c.pending[f.Seq]
		delete(c.pending, f.Seq)
		c.mu.Unlock()
		if ch != nil {
			ch <- f.Payload
			close(ch)
		}
	}
}

// Request sends cmd with the given datapoints and waits for the matching
// response or ctx's deadline.
func (c *Client) Request(ctx context.Context, cmd uint32, dps map[string]any) (map[string]any, error) {
	payload, err := c.encodeEnvelope(dps)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, &errcode.E{C: errcode.NotConnected, Op: "localkv.request", Msg: "link down"}
	}
	c.seq++
	seq := c.seq
	ch := make(chan []byte, 1)
	c.pending[seq] = ch
	conn := c.conn
	c.mu.Unlock()

	if err := WriteFrame(conn, Frame{Seq: seq, Cmd: cmd, Payload: payload}); err != nil {
		c.dropPending(seq)
		return nil, errcode.Wrap(errcode.Unavailable, "localkv.request", err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(seq)
		return nil, errcode.Wrap(errcode.Timeout, "localkv.request", ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, &errcode.E{C: errcode.NotConnected, Op: "localkv.request", Msg: "link reset"}
		}
		return c.decodeResponse(resp)
	}
}

// send writes a fire-and-forget frame (heartbeats).
func (c *Client) send(cmd uint32, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	if conn == nil {
		return &errcode.E{C: errcode.NotConnected, Op: "localkv.send", Msg: "link down"}
	}
	return WriteFrame(conn, Frame{Seq: seq, Cmd: cmd, Payload: payload})
}

func (c *Client) dropPending(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// failPendingLocked closes all waiters after a link reset.
func (c *Client) failPendingLocked() {
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

// Close stops the supervision loop and the link.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return nil
}

// ---- payload envelope ----

type envelope struct {
	DevID string         `json:"devId"`
	UID   string         `json:"uid"`
	T     int64          `json:"t"`
	DPS   map[string]any `json:"dps,omitempty"`
}

func (c *Client) encodeEnvelope(dps map[string]any) ([]byte, error) {
	raw, err := json.Marshal(envelope{
		DevID: c.cfg.DeviceID,
		UID:   c.cfg.DeviceID,
		T:     time.Now().Unix(),
		DPS:   dps,
	})
	if err != nil {
		return nil, err
	}
	if c.cfg.LocalKey == "" {
		return raw, nil
	}
	return encryptPayload([]byte(c.cfg.LocalKey), raw)
}

func (c *Client) decodeDPS(payload []byte) (map[string]any, error) {
	raw := payload
	if c.cfg.LocalKey != "" {
		dec, err := decryptPayload([]byte(c.cfg.LocalKey), payload)
		if err != nil {
			return nil, err
		}
		raw = dec
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("localkv: status decode: %w", err)
	}
	return env.DPS, nil
}

func (c *Client) decodeResponse(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil // bare ack
	}
	dps, err := c.decodeDPS(payload)
	if err != nil {
		return nil, &errcode.E{C: errcode.DeviceProtocol, Op: "localkv.response", Msg: err.Error(), Err: err}
	}
	return dps, nil
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

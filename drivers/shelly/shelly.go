// Package shelly is the HTTP client for the ventilator relay.
package shelly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"saunactl/errcode"
)

// Client implements types.Relay against a relay module's HTTP API.
type Client struct {
	base string
	http *http.Client
}

func New(ip string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base: "http://" + ip,
		http: &http.Client{Timeout: timeout},
	}
}

// Set switches the relay.
func (c *Client) Set(ctx context.Context, on bool) error {
	turn := "off"
	if on {
		turn = "on"
	}
	_, err := c.get(ctx, "/relay/0?turn="+turn)
	return err
}

// Status reads the relay output state.
func (c *Client) Status(ctx context.Context) (bool, error) {
	body, err := c.get(ctx, "/relay/0")
	if err != nil {
		return false, err
	}
	on, err := ParseStatus(body)
	if err != nil {
		return false, errcode.Wrap(errcode.DeviceProtocol, "shelly.status", err)
	}
	return on, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errcode.Wrap(errcode.Timeout, "shelly.get", err)
		}
		return nil, errcode.Wrap(errcode.Unavailable, "shelly.get", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, errcode.Wrap(errcode.Unavailable, "shelly.get", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &errcode.E{
			C:   errcode.DeviceProtocol,
			Op:  "shelly.get",
			Msg: fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return body, nil
}

// ParseStatus accepts the four status payload shapes seen across relay
// firmware generations:
//
//	{"output": true}
//	{"switch:0": {"output": true}}
//	{"status": true}
//	{"state": "on"}       (case-insensitive)
func ParseStatus(body []byte) (bool, error) {
	var probe struct {
		Output *bool `json:"output"`
		Switch *struct {
			Output *bool `json:"output"`
		} `json:"switch:0"`
		Status *bool   `json:"status"`
		State  *string `json:"state"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false, fmt.Errorf("undecodable status payload: %w", err)
	}
	switch {
	case probe.Output != nil:
		return *probe.Output, nil
	case probe.Switch != nil && probe.Switch.Output != nil:
		return *probe.Switch.Output, nil
	case probe.Status != nil:
		return *probe.Status, nil
	case probe.State != nil:
		return strings.EqualFold(*probe.State, "on"), nil
	}
	return false, fmt.Errorf("status payload matches no known shape")
}

// Package notifier posts operator notifications to an HTTP gateway. The
// concrete channel behind the gateway (WhatsApp or otherwise) is opaque to
// the rest of the system.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"saunactl/errcode"
)

type Client struct {
	url  string
	http *http.Client
}

func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// SendText delivers one text notification.
func (c *Client) SendText(ctx context.Context, body string) error {
	payload, err := json.Marshal(map[string]string{"text": body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errcode.Wrap(errcode.Timeout, "notifier.send", err)
		}
		return errcode.Wrap(errcode.Unavailable, "notifier.send", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &errcode.E{
			C:   errcode.DeviceProtocol,
			Op:  "notifier.send",
			Msg: fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, msg),
		}
	}
	return nil
}
